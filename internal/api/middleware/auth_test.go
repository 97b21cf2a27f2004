// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftbill/portal/internal/identity"
)

func TestIsAuthenticatedInjectsUserID(t *testing.T) {
	var gotUserID int
	var gotOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, gotOK = identity.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := IsAuthenticated(identity.HeaderProvider{})(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Authenticated-User", "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gotOK)
	assert.Equal(t, 42, gotUserID)
}

func TestIsAuthenticatedRejectsMissingOrBadIdentity(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without identity")
	})
	handler := IsAuthenticated(identity.HeaderProvider{})(next)

	for _, value := range []string{"", "not-a-number", "-3", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if value != "" {
			req.Header.Set("X-Authenticated-User", value)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", value)
	}
}

func TestRequireCronSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("skipped outside production", func(t *testing.T) {
		handler := RequireCronSecret("secret", false)(next)

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("enforced in production", func(t *testing.T) {
		handler := RequireCronSecret("secret", true)(next)

		tests := []struct {
			name   string
			header string
			want   int
		}{
			{name: "missing", header: "", want: http.StatusUnauthorized},
			{name: "wrong scheme", header: "Basic secret", want: http.StatusUnauthorized},
			{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
			{name: "valid", header: "Bearer secret", want: http.StatusOK},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodPost, "/", nil)
				if tc.header != "" {
					req.Header.Set("Authorization", tc.header)
				}
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				assert.Equal(t, tc.want, rec.Code)
			})
		}
	})
}
