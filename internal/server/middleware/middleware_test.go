package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	respID := rr.Header().Get("X-Request-ID")
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	const clientID = "my-custom-trace-id-123"
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != clientID {
		t.Errorf("X-Request-ID = %q, want %q", got, clientID)
	}
}

func TestRequestIDReplacesOversizedClientID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("oversized ID not replaced: %q", got)
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:43120"
	if got := ClientIP(req); got != "10.0.0.5" {
		t.Errorf("ClientIP = %q", got)
	}
	req.RemoteAddr = "10.0.0.6"
	if got := ClientIP(req); got != "10.0.0.6" {
		t.Errorf("ClientIP without port = %q", got)
	}
}

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}
	tests := []struct {
		name    string
		trusted []netip.Prefix
		peer    string
		headers map[string]string
		want    string
	}{
		{"no trusted proxies", nil, "203.0.113.9:5000", map[string]string{"X-Real-IP": "10.0.0.1"}, "203.0.113.9"},
		{"untrusted peer", trusted, "203.0.113.9:5000", map[string]string{"X-Real-IP": "10.0.0.1"}, "203.0.113.9"},
		{"trusted peer real ip", trusted, "10.1.1.1:5000", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"trusted peer forwarded chain", trusted, "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "1.1.1.1, 198.51.100.7, 10.2.2.2"}, "198.51.100.7"},
		{"all hops trusted", trusted, "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "10.3.3.3, 10.2.2.2"}, "10.3.3.3"},
		{"garbage hop", trusted, "10.1.1.1:5000",
			map[string]string{"X-Forwarded-For": "1.1.1.1, junk, 10.2.2.2"}, "10.2.2.2"},
		{"trusted peer no headers", trusted, "10.1.1.1:5000", nil, "10.1.1.1"},
		{"ipv6 proxy", trusted, "[fd00::5]:5000", map[string]string{"X-Real-IP": "2001:db8::1"}, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIP(r)
			}))
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.peer
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("client = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Authentication and permission tests
// ---------------------------------------------------------------------------

type stubVerifier struct {
	claims *model.SessionClaims
	err    error
}

func (s stubVerifier) VerifySessionToken(token string) (*model.SessionClaims, error) {
	if token != "good" {
		if s.err != nil {
			return nil, s.err
		}
		return nil, service.ErrSessionInvalid
	}
	return s.claims, nil
}

func observerClaims() *model.SessionClaims {
	return &model.SessionClaims{
		AccountID:   "1",
		Username:    "olga",
		Role:        model.RoleObserver,
		Permissions: model.RoleObserver.Permissions(),
	}
}

func TestAuthenticate(t *testing.T) {
	v := stubVerifier{claims: observerClaims()}
	var seen *model.SessionClaims
	h := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"good token", "Bearer good", http.StatusOK},
		{"lowercase scheme", "bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusOK && (seen == nil || seen.Username != "olga") {
				t.Errorf("claims not attached: %+v", seen)
			}
		})
	}
}

func TestAuthenticateExpiredMessage(t *testing.T) {
	h := Authenticate(stubVerifier{err: service.ErrSessionExpired})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "expired") {
		t.Errorf("got %d %s", rr.Code, rr.Body.String())
	}
}

func withClaims(r *http.Request, c *model.SessionClaims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), SessionClaimsKey, c))
}

func TestRequirePermission(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	super := &model.SessionClaims{Username: "root", Permissions: model.RoleSuperAdmin.Permissions()}
	team := &model.SessionClaims{Username: "tm", Permissions: model.RoleTeamMember.Permissions()}

	tests := []struct {
		name   string
		claims *model.SessionClaims
		perms  []model.Permission
		want   int
	}{
		{"unauthenticated", nil, []model.Permission{model.PermViewLogs}, http.StatusUnauthorized},
		{"observer reads logs", observerClaims(), []model.Permission{model.PermViewLogs}, http.StatusNoContent},
		{"observer creates keys", observerClaims(), []model.Permission{model.PermKeyGeneration, model.PermLimitedKeyGeneration}, http.StatusForbidden},
		{"team member limited keys", team, []model.Permission{model.PermKeyGeneration, model.PermLimitedKeyGeneration}, http.StatusNoContent},
		{"team member revokes", team, []model.Permission{model.PermKeyGeneration}, http.StatusForbidden},
		{"full access", super, []model.Permission{model.PermViewStats}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.claims != nil {
				req = withClaims(req, tt.claims)
			}
			rr := httptest.NewRecorder()
			RequirePermission(tt.perms...)(ok).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestGetClaimsWithoutValue(t *testing.T) {
	if GetClaims(context.Background()) != nil {
		t.Error("expected nil claims")
	}
}

// ---------------------------------------------------------------------------
// Audit and logging tests
// ---------------------------------------------------------------------------

type recordingAudit struct {
	mu      sync.Mutex
	entries []model.AccessLogEntry
}

func (a *recordingAudit) LogAccess(ctx context.Context, e model.AccessLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func TestAuditAccess(t *testing.T) {
	audit := &recordingAudit{}
	h := AuditAccess(audit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	hidden := observerClaims()
	hidden.Hidden = true
	req := withClaims(httptest.NewRequest("POST", "/api/v1/keys", nil), hidden)
	req.RemoteAddr = "192.0.2.1:5000"
	req.Header.Set("User-Agent", "test-agent")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// No session, no entry.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	if len(audit.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(audit.entries))
	}
	e := audit.entries[0]
	if e.Identifier != "olga" || e.StatusCode != http.StatusCreated || e.Method != "POST" ||
		e.Endpoint != "/api/v1/keys" || e.IPAddress != "192.0.2.1" || e.UserAgent != "test-agent" || !e.HiddenMode {
		t.Errorf("entry = %+v", e)
	}
}

func TestLoggerNamesAuthenticatedAdmin(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logger(logger)(Authenticate(stubVerifier{claims: observerClaims()})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})))

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, "admin=olga") || !strings.Contains(out, "status=418") || !strings.Contains(out, "level=WARN") {
		t.Errorf("log line = %s", out)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	calls := 0
	h := RateLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	for i := 0; i < 5; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}
	if calls != 5 {
		t.Errorf("calls = %d", calls)
	}
}

func TestRateLimitByKey(t *testing.T) {
	h := RateLimitByKey("X-Access-Key", 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(key string) int {
		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("X-Access-Key", key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	send("a")
	send("a")
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("third request for key a = %d, want 429", code)
	}
	if code := send("b"); code != http.StatusOK {
		t.Errorf("first request for key b = %d, want 200", code)
	}
}
