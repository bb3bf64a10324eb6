// Package tenant injects per-merchant context into handler invocations.
// Every handler runs inside a tenant session matched to its job class,
// so merchant-scoped collaborators resolve credentials without the
// handler threading tenancy itself.
package tenant

import (
	"context"
	"fmt"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
)

// Session carries the tenant identity for one handler invocation.
type Session struct {
	Kind       job.SessionKind
	MerchantID string
}

type sessionKey struct{}

// FromContext extracts the session installed by a Provider. Returns nil
// when the context carries no session.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Provider opens tenant sessions around handler invocations.
type Provider interface {
	// WithTenantSession runs fn with a session for the given kind and
	// merchant installed in the context.
	WithTenantSession(ctx context.Context, kind job.SessionKind, merchantID string, fn func(context.Context) error) error
}

// ContextProvider is the default provider: it installs the session in
// the context and logs session boundaries at debug level.
type ContextProvider struct {
	log logger.Logger
}

// NewContextProvider creates the default session provider.
func NewContextProvider(log logger.Logger) *ContextProvider {
	return &ContextProvider{log: log.WithComponent(logger.ComponentWorker)}
}

// WithTenantSession installs a session and invokes fn. Jobs without a
// merchant id run under a generic session regardless of kind.
func (p *ContextProvider) WithTenantSession(ctx context.Context, kind job.SessionKind, merchantID string, fn func(context.Context) error) error {
	if merchantID == "" {
		kind = job.SessionGeneric
	}

	session := &Session{Kind: kind, MerchantID: merchantID}
	ctx = context.WithValue(ctx, sessionKey{}, session)
	if merchantID != "" {
		ctx = context.WithValue(ctx, logger.CtxTenantID, merchantID)
	}

	p.log.DebugContext(ctx, "Tenant session opened", "session_kind", string(kind))
	err := fn(ctx)
	if err != nil {
		p.log.DebugContext(ctx, "Tenant session closed with error", "session_kind", string(kind), "error", err)
		return fmt.Errorf("tenant session (%s): %w", kind, err)
	}
	p.log.DebugContext(ctx, "Tenant session closed", "session_kind", string(kind))
	return nil
}

var _ Provider = (*ContextProvider)(nil)
