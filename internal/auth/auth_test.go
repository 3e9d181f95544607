package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	a := New("test-secret", false)

	token, err := a.GenerateToken("ops@example.com", "admin", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Errorf("Subject = %v, want ops@example.com", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Errorf("Role = %v, want admin", claims.Role)
	}
}

func TestValidateTokenInvalid(t *testing.T) {
	a := New("test-secret", false)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "notavalidjwt"},
		{"invalid token", "invalid.token.here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() expected error for invalid token")
			}
		})
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	a := New("secret-a", false)
	b := New("secret-b", false)

	token, err := a.GenerateToken("ops", "admin", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := b.ValidateToken(token); err == nil {
		t.Error("ValidateToken() accepted token signed with another secret")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	a := New("test-secret", false)

	token, err := a.GenerateToken("ops", "admin", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := a.ValidateToken(token); err == nil {
		t.Error("ValidateToken() accepted expired token")
	}
}

func TestMiddleware(t *testing.T) {
	a := New("test-secret", false)
	token, _ := a.GenerateToken("ops", "admin", time.Hour)

	tests := []struct {
		name           string
		authHeader     string
		wantStatusCode int
	}{
		{"no auth header", "", http.StatusUnauthorized},
		{"invalid auth format", "InvalidFormat token", http.StatusUnauthorized},
		{"invalid token", "Bearer invalidtoken", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ClaimsFromContext(r.Context()) == nil {
					t.Error("claims missing from context on authenticated request")
				}
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/api/admin/summary", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatusCode {
				t.Errorf("Middleware() status = %v, want %v", rr.Code, tt.wantStatusCode)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	a := New("", true)

	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/admin/summary", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Middleware(disabled) status = %v, want 200", rr.Code)
	}
}

func TestClaimsFromContext(t *testing.T) {
	if got := ClaimsFromContext(context.Background()); got != nil {
		t.Errorf("ClaimsFromContext(empty) = %v, want nil", got)
	}
	ctx := context.WithValue(context.Background(), ClaimsContextKey, "not claims")
	if got := ClaimsFromContext(ctx); got != nil {
		t.Errorf("ClaimsFromContext(wrong type) = %v, want nil", got)
	}
}
