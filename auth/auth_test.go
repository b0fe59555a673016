package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", "tiffinbox")

	token, err := v.Sign(Identity{UserID: "user-1", Admin: true}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || !id.Admin {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier("test-secret", "tiffinbox")

	t.Run("expired", func(t *testing.T) {
		token, err := v.Sign(Identity{UserID: "user-1"}, -time.Minute)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Fatal("expired token should be rejected")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("other-secret", "tiffinbox")
		token, err := other.Sign(Identity{UserID: "user-1"}, time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Fatal("foreign signature should be rejected")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewVerifier("test-secret", "someone-else")
		token, err := other.Sign(Identity{UserID: "user-1"}, time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Fatal("wrong issuer should be rejected")
		}
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := v.Sign(Identity{}, time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Fatal("token without subject should be rejected")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify("not.a.jwt"); err == nil {
			t.Fatal("garbage token should be rejected")
		}
	})
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("test-secret", "")
	m := NewMiddleware(v)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Error("identity missing from context")
		} else {
			w.Header().Set("X-User", id.UserID)
		}
		w.WriteHeader(http.StatusOK)
	})

	adminToken, err := v.Sign(Identity{UserID: "admin-1", Admin: true}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	userToken, err := v.Sign(Identity{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name     string
		handler  http.Handler
		header   string
		wantCode int
	}{
		{"require no header", m.Require(next), "", http.StatusUnauthorized},
		{"require basic scheme", m.Require(next), "Basic abc", http.StatusUnauthorized},
		{"require bad token", m.Require(next), "Bearer nope", http.StatusUnauthorized},
		{"require valid user", m.Require(next), "Bearer " + userToken, http.StatusOK},
		{"admin rejects user", m.RequireAdmin(next), "Bearer " + userToken, http.StatusForbidden},
		{"admin accepts admin", m.RequireAdmin(next), "Bearer " + adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}
