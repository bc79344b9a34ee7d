package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"Model-Council/internal/llm"
)

func TestComposeReportSectionsFollowRequestOrder(t *testing.T) {
	batch := &QueryBatch{
		Question: "which is better?",
		Results: []ModelResult{
			{Model: "m1", SystemPrompt: "role one", Response: "first answer"},
			{Model: "m2", SystemPrompt: "role two", Response: "second answer"},
		},
	}
	report := ComposeReport(batch)

	first := strings.Index(report, "## M1")
	second := strings.Index(report, "## M2")
	if first < 0 || second < 0 {
		t.Fatalf("expected capitalized section headers, got:\n%s", report)
	}
	if first > second {
		t.Error("sections should follow request order")
	}
	if !strings.Contains(report, "first answer") || !strings.Contains(report, "second answer") {
		t.Error("report should carry each response verbatim")
	}
	if !strings.Contains(report, "which is better?") {
		t.Error("report should restate the question")
	}
	if !strings.Contains(report, advisoryNote) {
		t.Error("report should end with the advisory note")
	}
}

func TestComposeReportKeepsFailedTargets(t *testing.T) {
	batch := &QueryBatch{
		Question: "q",
		Results: []ModelResult{
			{Model: "m1", SystemPrompt: "p", Response: "fine"},
			{Model: "m2", SystemPrompt: "p", Err: errors.New("dial tcp: refused")},
		},
	}
	report := ComposeReport(batch)
	if !strings.Contains(report, "## M2") {
		t.Fatal("failed target should keep its section")
	}
	if !strings.Contains(report, "No response from m2") {
		t.Errorf("failure placeholder should name the target:\n%s", report)
	}
}

func TestComposeReportTruncatesPromptPreview(t *testing.T) {
	long := strings.Repeat("x", 150)
	batch := &QueryBatch{
		Question: "q",
		Results:  []ModelResult{{Model: "m1", SystemPrompt: long, Response: "ok"}},
	}
	report := ComposeReport(batch)

	want := strings.Repeat("x", 100) + "..."
	if !strings.Contains(report, want) {
		t.Error("long prompts should be truncated at 100 characters with an ellipsis")
	}
	if strings.Contains(report, strings.Repeat("x", 101)) {
		t.Error("preview must not exceed 100 prompt characters")
	}

	short := "short role"
	batch.Results[0].SystemPrompt = short
	report = ComposeReport(batch)
	if !strings.Contains(report, "Role: "+short+"\n") {
		t.Error("short prompts should appear unmodified")
	}
	if strings.Contains(report, short+"...") {
		t.Error("short prompts must not gain an ellipsis")
	}
}

func TestComposeCatalog(t *testing.T) {
	entries := []CatalogEntry{
		{
			ModelInfo: llm.ModelInfo{
				Name:              "m1",
				SizeBytes:         1073741824,
				ParameterSize:     "7B",
				QuantizationLevel: "Q4",
			},
			Default: true,
		},
		{
			ModelInfo: llm.ModelInfo{Name: "m2", SizeBytes: 524288},
		},
	}
	listing := ComposeCatalog(entries, []string{"m1", "gone"})

	if !strings.Contains(listing, "1.00 GB") {
		t.Errorf("expected human-readable size, got:\n%s", listing)
	}
	if !strings.Contains(listing, "Q4") || !strings.Contains(listing, "7B") {
		t.Error("listing should carry parameter size and quantization level")
	}
	if !strings.Contains(listing, "m1 (size: 1.00 GB, parameters: 7B, quantization: Q4) [default]") {
		t.Errorf("m1 line malformed:\n%s", listing)
	}
	if !strings.Contains(listing, "512.00 KB") {
		t.Errorf("expected KB formatting for m2, got:\n%s", listing)
	}
	if strings.Contains(listing, "m2 (size: 512.00 KB, parameters: unknown, quantization: unknown) [default]") {
		t.Error("m2 should not be marked default")
	}
	if !strings.Contains(listing, "not currently available: gone") {
		t.Error("missing configured defaults should be called out")
	}
}

func TestComposeCatalogEmpty(t *testing.T) {
	listing := ComposeCatalog(nil, nil)
	if !strings.Contains(listing, "No models are currently available") {
		t.Errorf("empty catalog should say so:\n%s", listing)
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{1572864, "1.50 MB"},
		{1073741824, "1.00 GB"},
	}
	for _, tc := range cases {
		if got := humanSize(tc.bytes); got != tc.want {
			t.Errorf("humanSize(%d) = %q, want %q", tc.bytes, got, tc.want)
		}
	}
}
