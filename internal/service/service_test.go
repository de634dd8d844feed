package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/security"
	"github.com/keygatehq/keygate/internal/store"
)

type testEnv struct {
	store   *store.Store
	clock   *clock.Mock
	metrics *metrics.Metrics
	auditor *Auditor
	admins  *AdminService
	keys    *KeyService
}

// newTestEnv builds the services on an in-memory store with a mock clock set
// to 10:00 UTC and valid hours evaluated in UTC.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))

	m := metrics.New(prometheus.NewRegistry())
	opts := Options{
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	}

	signer, err := security.NewTokenSigner("test-secret-key-for-jwt", clk)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	auditor := NewAuditor(st, opts)
	return &testEnv{
		store:   st,
		clock:   clk,
		metrics: m,
		auditor: auditor,
		admins:  NewAdminService(st, security.NewPasswordHasher(bcrypt.MinCost), signer, auditor, 0, opts),
		keys:    NewKeyService(st, KeyConfig{Location: time.UTC}, opts),
	}
}

func (e *testEnv) setHour(hour int) {
	e.clock.Set(time.Date(2025, 3, 10, hour, 0, 0, 0, time.UTC))
}

func (e *testEnv) issue(t *testing.T, req KeyRequest) *IssuedKey {
	t.Helper()
	if req.ClientName == "" {
		req.ClientName = "client_A"
	}
	if req.CreatedByAdmin == "" {
		req.CreatedByAdmin = "alice"
	}
	k, err := e.keys.GenerateTempKey(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateTempKey: %v", err)
	}
	return k
}

func hoursRange(from, to int) []int {
	var out []int
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.admins.CreateAdmin(ctx, "alice", "pw123", model.RoleSuperAdmin, ""); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	sess, err := env.admins.AuthenticateAdmin(ctx, Credentials{Username: "alice", Password: "pw123", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("AuthenticateAdmin: %v", err)
	}
	want := []model.Permission{
		model.PermFullAccess, model.PermUserManagement, model.PermKeyGeneration,
		model.PermBotControl, model.PermViewLogs, model.PermSystemConfig,
	}
	claims, err := env.admins.VerifySessionToken(sess.Token)
	if err != nil {
		t.Fatalf("VerifySessionToken: %v", err)
	}
	if !slices.Equal(claims.Permissions, want) {
		t.Errorf("permissions = %v, want %v", claims.Permissions, want)
	}

	env.setHour(10)
	key := env.issue(t, KeyRequest{ValidHours: hoursRange(9, 17), TTL: 120 * time.Minute, MaxUsage: 3})
	for i := 1; i <= 3; i++ {
		v, err := env.keys.ValidateTempKey(ctx, key.Secret, "")
		if err != nil {
			t.Fatalf("validation %d: %v", i, err)
		}
		if v.UsageCount != i {
			t.Errorf("validation %d usage = %d", i, v.UsageCount)
		}
	}
	if _, err := env.keys.ValidateTempKey(ctx, key.Secret, ""); !errors.Is(err, ErrUsageLimitExceeded) {
		t.Errorf("fourth validation: got %v, want ErrUsageLimitExceeded", err)
	}

	env.setHour(19)
	fresh := env.issue(t, KeyRequest{ValidHours: hoursRange(9, 17), TTL: 120 * time.Minute, MaxUsage: 3})
	env.setHour(20)
	_, err = env.keys.ValidateTempKey(ctx, fresh.Secret, "")
	var kerr *KeyError
	if !errors.As(err, &kerr) || !errors.Is(err, ErrOutsideWorkingHours) {
		t.Fatalf("hour 20: got %v, want ErrOutsideWorkingHours", err)
	}
	if kerr.CurrentHour != 20 || !slices.Equal(kerr.ValidHours, hoursRange(9, 17)) {
		t.Errorf("KeyError = %+v", kerr)
	}
	stored, _ := env.store.GetTempKeyByHash(ctx, security.HashKey(fresh.Secret))
	if stored.UsageCount != 0 {
		t.Errorf("refused validation consumed a use: %d", stored.UsageCount)
	}
}

// ---------------------------------------------------------------------------
// Admin identity
// ---------------------------------------------------------------------------

func TestCreateAdminValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acc, err := env.admins.CreateAdmin(ctx, "bob", "pw", model.RoleTeamMember, "alice")
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if acc.PasswordHash == "pw" || acc.PasswordHash == "" {
		t.Error("password must be hashed")
	}
	if acc.CreatedBy != "alice" || !acc.IsActive {
		t.Errorf("account = %+v", acc)
	}
	if !slices.Equal(acc.Permissions, model.RoleTeamMember.Permissions()) {
		t.Errorf("permissions = %v", acc.Permissions)
	}

	if _, err := env.admins.CreateAdmin(ctx, "bob", "other", model.RoleObserver, ""); !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("duplicate: got %v", err)
	}
	if _, err := env.admins.CreateAdmin(ctx, "carol", "pw", model.Role("root"), ""); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("invalid role: got %v", err)
	}
	if _, err := env.admins.CreateAdmin(ctx, "", "pw", model.RoleObserver, ""); !errors.Is(err, ErrInvalidAdminRequest) {
		t.Errorf("empty username: got %v", err)
	}
	if _, err := env.admins.CreateAdmin(ctx, "dave", "", model.RoleObserver, ""); !errors.Is(err, ErrInvalidAdminRequest) {
		t.Errorf("empty password: got %v", err)
	}
	if _, err := env.admins.CreateAdmin(ctx, "dave", strings.Repeat("p", 73), model.RoleSuperAdmin, ""); !errors.Is(err, ErrInvalidAdminRequest) {
		t.Errorf("73-byte password: got %v", err)
	}

	sys, _ := env.admins.CreateAdmin(ctx, "erin", "pw", model.RoleObserver, "")
	if sys.CreatedBy != "system" {
		t.Errorf("CreatedBy = %q, want system", sys.CreatedBy)
	}

	list, err := env.admins.ListAdmins(ctx)
	if err != nil || len(list) != 2 {
		t.Errorf("ListAdmins = %d, %v", len(list), err)
	}
	has, _ := env.admins.HasAnyAdmin(ctx)
	if !has {
		t.Error("HasAnyAdmin should be true")
	}
}

func TestAuthenticateAdminFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.admins.CreateAdmin(ctx, "alice", "pw123", model.RoleObserver, ""); err != nil {
		t.Fatal(err)
	}

	cases := []Credentials{
		{Username: "alice", Password: "wrong"},
		{Username: "alice", Password: ""},
		{Username: "nobody", Password: "pw123"},
		{Username: "Alice", Password: "pw123"},
		{Username: "alice", Password: "wrong", HiddenMode: true},
	}
	for _, c := range cases {
		if _, err := env.admins.AuthenticateAdmin(ctx, c); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("%+v: got %v, want ErrAuthenticationFailed", c, err)
		}
	}
	if got := testutil.ToFloat64(env.metrics.AdminLogins.WithLabelValues("failure")); got != float64(len(cases)) {
		t.Errorf("failure counter = %v", got)
	}
}

func TestAuthenticateAdminRecordsLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.admins.CreateAdmin(ctx, "alice", "pw123", model.RoleTeamMember, ""); err != nil {
		t.Fatal(err)
	}

	sess, err := env.admins.AuthenticateAdmin(ctx, Credentials{
		Username: "alice", Password: "pw123", IP: "10.1.1.1", UserAgent: "curl/8",
	})
	if err != nil {
		t.Fatalf("AuthenticateAdmin: %v", err)
	}
	if sess.Account.RoleName != "Team Member" || sess.Account.Username != "alice" {
		t.Errorf("summary = %+v", sess.Account)
	}
	if !sess.ExpiresAt.Equal(env.clock.Now().Add(DefaultSessionTTL)) {
		t.Errorf("ExpiresAt = %v", sess.ExpiresAt)
	}

	acc, _ := env.store.GetAdminByUsername(ctx, "alice")
	if acc.LastLogin == nil || !acc.LastLogin.Equal(env.clock.Now()) {
		t.Errorf("LastLogin = %v", acc.LastLogin)
	}

	logs, _ := env.auditor.GetAccessLogs(ctx, 0, true)
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	e := logs[0]
	if e.UserType != model.UserAdmin || e.Identifier != "alice" || e.StatusCode != 200 ||
		e.IPAddress != "10.1.1.1" || e.UserAgent != "curl/8" || e.HiddenMode {
		t.Errorf("entry = %+v", e)
	}
}

func TestAuthenticateAdminHiddenMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.admins.CreateAdmin(ctx, "ghost", "pw", model.RoleSuperAdmin, ""); err != nil {
		t.Fatal(err)
	}

	sess, err := env.admins.AuthenticateAdmin(ctx, Credentials{Username: "ghost", Password: "pw", HiddenMode: true})
	if err != nil {
		t.Fatalf("AuthenticateAdmin: %v", err)
	}
	claims, _ := env.admins.VerifySessionToken(sess.Token)
	if !claims.Hidden {
		t.Error("hidden flag not carried in session")
	}

	logs, _ := env.auditor.GetAccessLogs(ctx, 0, true)
	if len(logs) != 0 {
		t.Errorf("hidden login wrote %d entries", len(logs))
	}
}

func TestVerifySessionToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.admins.CreateAdmin(ctx, "alice", "pw", model.RoleObserver, ""); err != nil {
		t.Fatal(err)
	}
	sess, _ := env.admins.AuthenticateAdmin(ctx, Credentials{Username: "alice", Password: "pw"})

	if _, err := env.admins.VerifySessionToken("not.a.token"); !errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSessionExpired) {
		t.Errorf("garbage: got %v", err)
	}

	env.clock.Add(DefaultSessionTTL)
	_, err := env.admins.VerifySessionToken(sess.Token)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expired: got %v, want ErrSessionExpired", err)
	}
	if !errors.Is(err, ErrSessionInvalid) {
		t.Error("ErrSessionExpired should also match ErrSessionInvalid")
	}
}

// ---------------------------------------------------------------------------
// Temporary keys
// ---------------------------------------------------------------------------

func TestGenerateTempKeyDefaults(t *testing.T) {
	env := newTestEnv(t)
	k := env.issue(t, KeyRequest{ValidHours: []int{17, 9, 9, 10}})

	if k.Secret == "" || k.Key.KeyPrefix == "" {
		t.Fatal("expected secret and prefix")
	}
	if k.Key.MaxUsage != DefaultMaxUsage {
		t.Errorf("MaxUsage = %d", k.Key.MaxUsage)
	}
	if got := k.Key.ExpiresAt.Sub(k.Key.CreatedAt); got != DefaultKeyTTL {
		t.Errorf("ttl = %v", got)
	}
	if !slices.Equal(k.Key.ValidHours, []int{9, 10, 17}) {
		t.Errorf("ValidHours = %v", k.Key.ValidHours)
	}

	stored, err := env.store.GetTempKeyByHash(context.Background(), security.HashKey(k.Secret))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if stored.KeyHash == k.Secret {
		t.Error("raw secret persisted")
	}

	all := env.issue(t, KeyRequest{})
	if len(all.Key.ValidHours) != 24 {
		t.Errorf("empty hours should allow all 24, got %v", all.Key.ValidHours)
	}
}

func TestGenerateTempKeyRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := map[string]KeyRequest{
		"no client":     {CreatedByAdmin: "a"},
		"no admin":      {ClientName: "c"},
		"negative ttl":  {ClientName: "c", CreatedByAdmin: "a", TTL: -time.Minute},
		"negative max":  {ClientName: "c", CreatedByAdmin: "a", MaxUsage: -1},
		"hour 24":       {ClientName: "c", CreatedByAdmin: "a", ValidHours: []int{24}},
		"hour -1":       {ClientName: "c", CreatedByAdmin: "a", ValidHours: []int{-1}},
		"bad ip":        {ClientName: "c", CreatedByAdmin: "a", IPWhitelist: []string{"300.1.1.1"}},
		"bad cidr":      {ClientName: "c", CreatedByAdmin: "a", IPWhitelist: []string{"10.0.0.0/40"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.keys.GenerateTempKey(ctx, req); !errors.Is(err, ErrInvalidKeyRequest) {
				t.Errorf("got %v, want ErrInvalidKeyRequest", err)
			}
		})
	}
}

func TestValidateWrongSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{})

	for _, raw := range []string{"", "tk_garbage", k.Secret + "x", k.Secret[:len(k.Secret)-1]} {
		if _, err := env.keys.ValidateTempKey(ctx, raw, ""); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("%q: got %v, want ErrKeyNotFound", raw, err)
		}
	}
}

func TestValidateExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{TTL: 30 * time.Minute})

	env.clock.Add(30 * time.Minute)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("at expiry: got %v, want ErrKeyExpired", err)
	}

	stored, _ := env.store.GetTempKeyByHash(ctx, security.HashKey(k.Secret))
	if stored.Status != model.KeyActive || stored.UsageCount != 0 {
		t.Errorf("stored = %q/%d, want untouched until the sweep", stored.Status, stored.UsageCount)
	}
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("second attempt: got %v", err)
	}
}

func TestCleanupAfterExpiredValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{TTL: time.Hour})

	env.clock.Add(2 * time.Hour)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("validate: got %v, want ErrKeyExpired", err)
	}

	n, err := env.keys.CleanupExpiredKeys(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpiredKeys = %d, %v; want 1", n, err)
	}
	if n, _ := env.keys.CleanupExpiredKeys(ctx); n != 0 {
		t.Errorf("second cleanup = %d, want 0", n)
	}
	if got := testutil.ToFloat64(env.metrics.KeysExpired); got != 1 {
		t.Errorf("expired counter = %v", got)
	}
	stored, _ := env.store.GetTempKeyByHash(ctx, security.HashKey(k.Secret))
	if stored.Status != model.KeyExpired {
		t.Errorf("status = %q, want expired", stored.Status)
	}
}

func TestCleanupAtExpiryInstant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{TTL: time.Hour})

	env.clock.Add(time.Hour)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("validate at expiry: got %v", err)
	}
	if n, err := env.keys.CleanupExpiredKeys(ctx); err != nil || n != 1 {
		t.Errorf("CleanupExpiredKeys at expiry = %d, %v; want 1", n, err)
	}
}

func TestCleanupExpiredKeysReportsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{TTL: time.Hour})
	env.issue(t, KeyRequest{TTL: 5 * time.Hour})

	env.clock.Add(2 * time.Hour)
	n, err := env.keys.CleanupExpiredKeys(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpiredKeys = %d, %v; want 1", n, err)
	}
	n, _ = env.keys.CleanupExpiredKeys(ctx)
	if n != 0 {
		t.Errorf("second cleanup = %d, want 0", n)
	}
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("validate swept key: got %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.KeysExpired); got != 1 {
		t.Errorf("expired counter = %v", got)
	}
}

func TestValidateWorkingHours(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setHour(0)
	k := env.issue(t, KeyRequest{ValidHours: []int{9, 10}, TTL: 24 * time.Hour})

	env.setHour(8)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrOutsideWorkingHours) {
		t.Errorf("hour 8: got %v", err)
	}
	env.setHour(9)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); err != nil {
		t.Errorf("hour 9: %v", err)
	}
	env.setHour(11)
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrOutsideWorkingHours) {
		t.Errorf("hour 11: got %v", err)
	}
}

func TestValidateUsesConfiguredTimezone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loc := time.FixedZone("UTC+3", 3*3600)
	keys := NewKeyService(env.store, KeyConfig{Location: loc}, Options{Clock: env.clock})

	env.setHour(7) // 10:00 at UTC+3
	k, err := keys.GenerateTempKey(ctx, KeyRequest{ClientName: "c", CreatedByAdmin: "a", ValidHours: []int{10}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := keys.ValidateTempKey(ctx, k.Secret, ""); err != nil {
		t.Errorf("validate in local hour 10: %v", err)
	}
}

func TestValidateIPWhitelist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{IPWhitelist: []string{"192.168.1.10", "10.0.0.0/8"}})

	allowed := []string{"192.168.1.10", "10.20.30.40", "::ffff:10.1.2.3"}
	for _, ip := range allowed {
		if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ip); err != nil {
			t.Errorf("%s: %v", ip, err)
		}
	}
	denied := []string{"192.168.1.11", "", "not-an-ip", "11.0.0.1"}
	for _, ip := range denied {
		if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ip); !errors.Is(err, ErrIPNotWhitelisted) {
			t.Errorf("%q: got %v, want ErrIPNotWhitelisted", ip, err)
		}
	}

	stored, _ := env.store.GetTempKeyByHash(ctx, security.HashKey(k.Secret))
	if stored.UsageCount != len(allowed) {
		t.Errorf("denied attempts consumed uses: usage = %d", stored.UsageCount)
	}
}

func TestValidateConcurrentQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const maxUsage = 10
	k := env.issue(t, KeyRequest{MaxUsage: maxUsage})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		limited  int
		ordinals = map[int]bool{}
	)
	for i := 0; i < maxUsage+15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := env.keys.ValidateTempKey(ctx, k.Secret, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				ordinals[v.UsageCount] = true
			case errors.Is(err, ErrUsageLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != maxUsage {
		t.Errorf("successes = %d, want %d", ok, maxUsage)
	}
	if limited != 15 {
		t.Errorf("usage limit failures = %d, want 15", limited)
	}
	if len(ordinals) != maxUsage {
		t.Errorf("distinct usage ordinals = %d, want %d", len(ordinals), maxUsage)
	}
}

func TestRevokeTempKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{})
	hash := security.HashKey(k.Secret)

	for i := 0; i < 2; i++ {
		found, err := env.keys.RevokeTempKey(ctx, hash)
		if err != nil || !found {
			t.Fatalf("revoke #%d = %v, %v", i+1, found, err)
		}
	}
	stored, _ := env.store.GetTempKeyByHash(ctx, hash)
	if stored.Status != model.KeyRevoked {
		t.Errorf("status = %q", stored.Status)
	}
	if _, err := env.keys.ValidateTempKey(ctx, k.Secret, ""); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("validate revoked: got %v", err)
	}

	found, err := env.keys.RevokeTempKey(ctx, security.HashKey("other"))
	if err != nil || found {
		t.Errorf("revoke unknown = %v, %v", found, err)
	}
}

func TestRevokeTempKeyByPrefix(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	k := env.issue(t, KeyRequest{})

	if _, err := env.keys.RevokeTempKeyByPrefix(ctx, "abc"); !errors.Is(err, ErrInvalidKeyRequest) {
		t.Errorf("short prefix: got %v", err)
	}
	found, err := env.keys.RevokeTempKeyByPrefix(ctx, k.Key.KeyPrefix)
	if err != nil || !found {
		t.Fatalf("RevokeTempKeyByPrefix(%q) = %v, %v", k.Key.KeyPrefix, found, err)
	}
	list, _ := env.keys.ListTempKeys(ctx, model.KeyRevoked)
	if len(list) != 1 {
		t.Errorf("revoked keys = %d", len(list))
	}
}

func TestListTempKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.issue(t, KeyRequest{ClientName: "first"})
	env.clock.Add(time.Second)
	second := env.issue(t, KeyRequest{ClientName: "second"})
	if _, err := env.keys.RevokeTempKey(ctx, security.HashKey(first.Secret)); err != nil {
		t.Fatal(err)
	}

	all, err := env.keys.ListTempKeys(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTempKeys = %d, %v", len(all), err)
	}
	if all[0].ClientName != "second" {
		t.Errorf("newest first: got %q", all[0].ClientName)
	}
	if all[0].KeyPrefix != second.Key.KeyPrefix || len(all[0].KeyPrefix) != model.HashPrefixLen+3 {
		t.Errorf("prefix = %q", all[0].KeyPrefix)
	}

	active, _ := env.keys.ListTempKeys(ctx, model.KeyActive)
	if len(active) != 1 || active[0].ClientName != "second" {
		t.Errorf("active = %+v", active)
	}
	if _, err := env.keys.ListTempKeys(ctx, "paused"); !errors.Is(err, ErrInvalidKeyRequest) {
		t.Errorf("bad status: got %v", err)
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&KeyError{Reason: ErrKeyNotFound}, "key_not_found"},
		{&KeyError{Reason: ErrOutsideWorkingHours, CurrentHour: 3, ValidHours: []int{9}}, "outside_working_hours"},
		{&KeyError{Reason: ErrIPNotWhitelisted}, "ip_not_whitelisted"},
		{ErrStoreUnavailable, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.err); got != tt.want {
			t.Errorf("ReasonCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	e := &KeyError{Reason: ErrOutsideWorkingHours, CurrentHour: 3, ValidHours: []int{9, 10}}
	if e.Error() != "outside working hours: current hour 3, valid hours [9,10]" {
		t.Errorf("Error() = %q", e.Error())
	}
}

// ---------------------------------------------------------------------------
// Auditor
// ---------------------------------------------------------------------------

func TestAccessLogHiddenFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.auditor.LogAccess(ctx, model.AccessLogEntry{UserType: model.UserAdmin, Identifier: "a", Endpoint: "/x", Method: "GET", StatusCode: 200})
	env.clock.Add(time.Second)
	env.auditor.LogAccess(ctx, model.AccessLogEntry{UserType: model.UserAdmin, Identifier: "b", Endpoint: "/x", Method: "GET", StatusCode: 200, HiddenMode: true})
	env.clock.Add(time.Second)
	env.auditor.LogAccess(ctx, model.AccessLogEntry{UserType: model.UserClient, Identifier: "c", Endpoint: "/y", Method: "POST", StatusCode: 403})

	visible, err := env.auditor.GetAccessLogs(ctx, 0, false)
	if err != nil {
		t.Fatalf("GetAccessLogs: %v", err)
	}
	for _, e := range visible {
		if e.HiddenMode {
			t.Errorf("hidden entry returned: %+v", e)
		}
	}
	if len(visible) != 2 || visible[0].Identifier != "c" {
		t.Errorf("visible = %+v", visible)
	}

	all, _ := env.auditor.GetAccessLogs(ctx, 0, true)
	if len(all) != 3 {
		t.Errorf("include hidden = %d, want 3", len(all))
	}
	if !all[0].Timestamp.Equal(env.clock.Now()) {
		t.Errorf("timestamp = %v, want clock time", all[0].Timestamp)
	}
}

type failingAuditStore struct{}

func (failingAuditStore) AppendAccessLog(context.Context, *model.AccessLogEntry) error {
	return errors.New("disk full")
}

func (failingAuditStore) ListAccessLogs(context.Context, int, bool) ([]model.AccessLogEntry, error) {
	return nil, errors.New("disk full")
}

func TestLogAccessFailureIsNotFatal(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewAuditor(failingAuditStore{}, Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	})

	a.LogAccess(context.Background(), model.AccessLogEntry{UserType: model.UserClient, Identifier: "x"})

	if got := testutil.ToFloat64(m.AuditWriteFailures); got != 1 {
		t.Errorf("audit failure counter = %v, want 1", got)
	}
	if _, err := a.GetAccessLogs(context.Background(), 10, false); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("GetAccessLogs error = %v, want ErrStoreUnavailable", err)
	}
}

func TestLogAccessSurvivesCanceledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.auditor.LogAccess(ctx, model.AccessLogEntry{UserType: model.UserClient, Identifier: "late", Endpoint: "/v", Method: "POST", StatusCode: 200})

	logs, _ := env.auditor.GetAccessLogs(context.Background(), 0, false)
	if len(logs) != 1 {
		t.Errorf("entries = %d, want 1", len(logs))
	}
}
