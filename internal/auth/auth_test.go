package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentify_DevMode(t *testing.T) {
	a := NewAuthenticator("")
	if !a.DevMode() {
		t.Fatal("Expected dev mode with empty secret")
	}

	r := httptest.NewRequest(http.MethodGet, "/v4/listen?uid=user-1", nil)
	uid, err := a.Identify(r)
	if err != nil || uid != "user-1" {
		t.Errorf("Identify() = %q, %v; want user-1", uid, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/v4/listen", nil)
	if _, err := a.Identify(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("Identify() error = %v, want ErrMissingToken", err)
	}
}

func TestIdentify_Token(t *testing.T) {
	a := NewAuthenticator("test-secret")
	token, err := a.Issue("user-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr error
	}{
		{"bearer header", "Bearer " + token, "", "user-42", nil},
		{"query token", "", "?token=" + token, "user-42", nil},
		{"uid query ignored", "", "?uid=someone", "", ErrMissingToken},
		{"bad scheme", "Basic " + token, "", "", ErrInvalidToken},
		{"garbage", "Bearer not-a-jwt", "", "", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v4/listen"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			uid, err := a.Identify(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Identify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || uid != tt.want {
				t.Errorf("Identify() = %q, %v; want %q", uid, err, tt.want)
			}
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	a := NewAuthenticator("test-secret")

	expired, _ := NewAuthenticator("test-secret").Issue("user-1", -time.Minute)
	if _, err := a.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected expired token rejected, got %v", err)
	}

	foreign, _ := NewAuthenticator("other-secret").Issue("user-1", time.Hour)
	if _, err := a.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected token signed with another secret rejected, got %v", err)
	}

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UID: "user-1"}).SignedString([]byte("test-secret"))
	if _, err := a.Verify(noExpiry); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected token without expiry rejected, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("")
	var seen string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		seen = UIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/v1/speech-profile?uid=user-7", nil))
	if rec.Code != http.StatusOK || seen != "user-7" {
		t.Errorf("Expected pass-through with uid user-7, got %d %q", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/v1/speech-profile", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}
