package auth

import "context"

type subjectKey struct{}

// WithSubject 将通过认证的调用方写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom 从上下文中取出调用方信息。
func SubjectFrom(ctx context.Context) (*Subject, bool) {
	subject, ok := ctx.Value(subjectKey{}).(*Subject)
	return subject, ok
}
