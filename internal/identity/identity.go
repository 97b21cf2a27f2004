// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package identity abstracts the session/authentication collaborator. The
// portal never inspects credentials itself; it consumes an opaque current
// user id resolved by whatever sits in front of it.
package identity

import (
	"context"
	"net/http"
	"strconv"
)

// Provider resolves the authenticated user for a request. ok is false when
// the request carries no valid identity.
type Provider interface {
	UserID(r *http.Request) (int, bool)
}

type contextKey struct{}

// WithUserID stores the resolved user id on the context.
func WithUserID(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the user id placed by the auth middleware.
func UserIDFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(contextKey{}).(int)
	return id, ok
}

// HeaderProvider trusts a user id header set by an upstream auth proxy.
// This is the deployment mode behind the session-terminating gateway; it
// must never be exposed without one.
type HeaderProvider struct {
	Header string
}

func (p HeaderProvider) UserID(r *http.Request) (int, bool) {
	header := p.Header
	if header == "" {
		header = "X-Authenticated-User"
	}
	raw := r.Header.Get(header)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
