package orchestrator

import "context"

const systemActor = "system"

type auditKey struct{}

type audit struct {
	actor string
	ip    string
}

// WithActor tags ctx so transitions caused by this call record who asked and
// from where.
func WithActor(ctx context.Context, actor, ip string) context.Context {
	return context.WithValue(ctx, auditKey{}, audit{actor: actor, ip: ip})
}

// ActorFrom returns the audit tag set by WithActor, or the system actor.
func ActorFrom(ctx context.Context) (actor, ip string) {
	a := auditFrom(ctx)
	return a.actor, a.ip
}

func auditFrom(ctx context.Context) audit {
	if a, ok := ctx.Value(auditKey{}).(audit); ok && a.actor != "" {
		return a
	}
	return audit{actor: systemActor}
}

// carryAudit copies the caller's audit tag onto a context that outlives it.
func carryAudit(dst, src context.Context) context.Context {
	if a, ok := src.Value(auditKey{}).(audit); ok {
		return context.WithValue(dst, auditKey{}, a)
	}
	return dst
}
