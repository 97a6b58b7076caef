package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserKey       = "writer-123"
)

func signTestToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		EnvironmentKey: "exam-7",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Audience:  []string{DefaultAudience},
			Subject:   testSessionUserKey,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testSessionUserKey || claims.EnvironmentKey != "exam-7" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejectsInvalidTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validClaims(clockNow)
	expired.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	expired.NotBefore = nil
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	foreignAudience := validClaims(clockNow)
	foreignAudience.Audience = []string{"someone-else"}

	missingSubject := validClaims(clockNow)
	missingSubject.Subject = ""

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: " ", wantErr: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, expired, testSessionSigningSecret), wantErr: ErrExpiredSessionToken},
		{name: "wrong secret", token: signTestToken(t, validClaims(clockNow), "other"), wantErr: ErrInvalidSessionToken},
		{name: "foreign audience", token: signTestToken(t, foreignAudience, testSessionSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "missing subject", token: signTestToken(t, missingSubject, testSessionSigningSecret), wantErr: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, validClaims(clockNow), testSessionSigningSecret)

	bearer := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)

	cookie := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: signed})

	query := httptest.NewRequest(http.MethodGet, "/events?"+TokenQueryParameter+"="+signed, http.NoBody)

	for name, request := range map[string]*http.Request{"bearer": bearer, "cookie": cookie, "query": query} {
		claims, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s: validation failed: %v", name, err)
		}
		if claims.Subject != testSessionUserKey {
			t.Fatalf("%s: unexpected subject: %s", name, claims.Subject)
		}
	}

	basic := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken for basic auth, got %v", err)
	}
	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/status", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken without credentials, got %v", err)
	}
}
