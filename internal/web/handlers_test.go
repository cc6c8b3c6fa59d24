package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/acgh213/repairdesk/internal/auth"
	"github.com/acgh213/repairdesk/internal/config"
	"github.com/acgh213/repairdesk/internal/store"
	"github.com/acgh213/repairdesk/internal/testutil"
	"github.com/acgh213/repairdesk/internal/web"
)

const testPassword = "password123"

type testEnv struct {
	router http.Handler
	svc    *web.Services
	stores *store.Stores
	clock  *testutil.Clock
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                  "development",
		Port:                 "0",
		DatabaseDriver:       config.DriverSQLite,
		FailPolicy:           config.FailOpen,
		SessionTierMode:      "heuristic",
		SessionShortTTL:      30 * time.Minute,
		SessionLongTTL:       7 * 24 * time.Hour,
		IPBlockThreshold:     10,
		IPBlockDuration:      10 * time.Minute,
		IPAttemptWindow:      15 * time.Minute,
		AccountLockThreshold: 5,
		AccountAttemptWindow: 15 * time.Minute,
		APIRateAlgorithm:     config.RateFixed,
	}
}

// newTestServer builds the real router over a fresh SQLite database and a
// fake clock.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	clock := testutil.NewClock()
	stores := testutil.NewSQLiteStores(t)
	cfg := testConfig()

	svc := web.NewServices(cfg, stores, clock.Now, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(svc.Close)

	return &testEnv{
		router: web.NewRouter(cfg, svc),
		svc:    svc,
		stores: stores,
		clock:  clock,
	}
}

type request struct {
	method  string
	path    string
	body    any
	ip      string
	cookies []*http.Cookie
	header  map[string]string
}

func (e *testEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewReader(b)
	}

	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.ip != "" {
		r.RemoteAddr = req.ip + ":40000"
	}
	for _, c := range req.cookies {
		r.AddCookie(c)
	}
	for k, v := range req.header {
		r.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, r)
	return rr
}

func (e *testEnv) login(t *testing.T, ip, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, request{
		method: "POST",
		path:   "/api/login",
		ip:     ip,
		body:   map[string]any{"username": username, "password": password},
	})
}

// loginAs creates a user with role and returns its session cookie.
func (e *testEnv) loginAs(t *testing.T, role string) (*store.User, *http.Cookie) {
	t.Helper()
	u := testutil.CreateUser(t, e.stores.Users, role, role, testPassword)
	rr := e.login(t, "192.0.2.50", u.Username, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login as %s: got %d: %s", role, rr.Code, rr.Body.String())
	}
	c := findCookie(rr, auth.SessionCookieName)
	if c == nil {
		t.Fatal("no session cookie after login")
	}
	return u, c
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, rr, &env)
	return env.Error.Code
}

// ---------------------------------------------------------------------------
// Health and identity
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, request{method: "GET", path: "/health"})
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health: got %d, want 200", rr.Code)
	}
}

func TestMe_Unauthenticated(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, request{method: "GET", path: "/api/me"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != "unauthorized" {
		t.Errorf("error code = %q, want unauthorized", code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", rr.Header().Get("X-RateLimit-Limit"))
	}
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "tech", store.RoleTechnician, testPassword)

	rr := e.login(t, "192.0.2.10", u.Username, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		User      auth.Identity `json:"user"`
		ExpiresAt time.Time     `json:"expires_at"`
	}
	decode(t, rr, &resp)
	if resp.User.UserID != u.ID || resp.User.Role != store.RoleTechnician {
		t.Errorf("unexpected identity: %+v", resp.User)
	}
	if want := e.clock.Now().Add(30 * time.Minute); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", resp.ExpiresAt, want)
	}

	cookie := findCookie(rr, auth.SessionCookieName)
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected an HttpOnly session cookie, got %+v", cookie)
	}

	rr = e.do(t, request{method: "GET", path: "/api/me", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/me: got %d", rr.Code)
	}
	var me struct {
		User auth.Identity `json:"user"`
	}
	decode(t, rr, &me)
	if me.User.Username != u.Username {
		t.Errorf("me = %+v, want %s", me.User, u.Username)
	}

	full, err := e.stores.Users.GetByID(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.LastLoginAt == nil {
		t.Error("expected last_login_at to be set")
	}
}

func TestLogin_RememberMe(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "remember", store.RoleRequester, testPassword)

	rr := e.do(t, request{
		method: "POST",
		path:   "/api/login",
		body:   map[string]any{"username": u.Username, "password": testPassword, "remember": true},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: got %d", rr.Code)
	}
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	decode(t, rr, &resp)
	if want := e.clock.Now().Add(7 * 24 * time.Hour); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", resp.ExpiresAt, want)
	}
	cookie := findCookie(rr, auth.SessionCookieName)

	// A long session survives well past the short lifetime.
	e.clock.Advance(2 * time.Hour)
	rr = e.do(t, request{method: "GET", path: "/api/me", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/me after 2h: got %d", rr.Code)
	}
}

func TestLogin_ShortSessionExpires(t *testing.T) {
	e := newTestServer(t)
	_, cookie := e.loginAs(t, store.RoleRequester)

	e.clock.Advance(31 * time.Minute)
	rr := e.do(t, request{method: "GET", path: "/api/me", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rr.Code)
	}
}

func TestLogin_InvalidCredentialsDoNotRevealUser(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "known", store.RoleRequester, testPassword)

	wrong := e.login(t, "192.0.2.11", u.Username, "not-the-password")
	unknown := e.login(t, "192.0.2.11", "nobody-by-this-name", "whatever")

	for name, rr := range map[string]*httptest.ResponseRecorder{"wrong password": wrong, "unknown user": unknown} {
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: got %d, want 401", name, rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_credentials" {
			t.Errorf("%s: error code = %q", name, code)
		}
	}
	if wrong.Body.String() != unknown.Body.String() {
		t.Errorf("bodies differ: %q vs %q", wrong.Body.String(), unknown.Body.String())
	}

	// Both failures count against the address.
	if n := e.svc.IPGuard.FailedAttempts("192.0.2.11"); n != 2 {
		t.Errorf("failed attempts for ip = %d, want 2", n)
	}
}

func TestLogin_BadRequest(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, request{method: "POST", path: "/api/login", body: map[string]any{"username": "x", "extra": 1}})
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "bad_json" {
		t.Errorf("unknown field: got %d %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, request{method: "POST", path: "/api/login", body: map[string]any{"username": "  ", "password": "x"}})
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "validation_error" {
		t.Errorf("blank username: got %d %s", rr.Code, rr.Body.String())
	}
}

func TestLogin_RateLimited(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "limited", store.RoleRequester, testPassword)

	// Failures against an unknown account spend the address's window
	// without touching the real account's lock counter.
	for i := 1; i <= 5; i++ {
		rr := e.login(t, "192.0.2.12", "no-such-user", "wrong")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: got %d, want 401", i, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Fatalf("attempt %d: X-RateLimit-Limit = %q", i, got)
		}
	}

	// The sixth attempt is refused even with the right password.
	rr := e.login(t, "192.0.2.12", u.Username, testPassword)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rr.Code)
	}
	if code := errorCode(t, rr); code != "rate_limited" {
		t.Errorf("error code = %q", code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}

	// Another address is unaffected.
	rr = e.login(t, "192.0.2.13", u.Username, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("other ip: got %d %s", rr.Code, rr.Body.String())
	}

	// The window is per address: the limited one recovers after a minute.
	e.clock.Advance(61 * time.Second)
	rr = e.login(t, "192.0.2.12", u.Username, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("after window: got %d %s", rr.Code, rr.Body.String())
	}
}

func TestLogin_IPBlockedAfterTenFailures(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()
	const ip = "10.0.0.5"
	u := testutil.CreateUser(t, e.stores.Users, "victim", store.RoleRequester, testPassword)

	fail := func(n int) {
		t.Helper()
		rr := e.login(t, ip, u.Username, "guess")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d: got %d: %s", n, rr.Code, rr.Body.String())
		}
	}

	// Nine failures within two minutes, spread over two login windows.
	for i := 1; i <= 5; i++ {
		fail(i)
		e.clock.Advance(time.Second)
	}
	e.clock.Advance(time.Minute)
	for i := 6; i <= 9; i++ {
		fail(i)
		e.clock.Advance(time.Second)
	}
	if e.svc.IPGuard.IsIPBlocked(ctx, ip) {
		t.Fatal("blocked after 9 failures")
	}

	fail(10)
	if !e.svc.IPGuard.IsIPBlocked(ctx, ip) {
		t.Fatal("not blocked after 10 failures")
	}

	// Wait out the login window so only the block can reject the request.
	e.clock.Advance(61 * time.Second)
	rr := e.login(t, ip, u.Username, testPassword)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != "ip_blocked" {
		t.Errorf("error code = %q, want ip_blocked", code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on a blocked login")
	}

	// The block is durable and listed for administrators.
	blocks, err := e.svc.IPGuard.GetBlockedIPs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].IP != ip || blocks[0].FailedCount != 10 {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}

	// Once the block lapses the right password works again.
	e.clock.Advance(10 * time.Minute)
	rr = e.login(t, ip, u.Username, testPassword)
	if rr.Code == http.StatusForbidden && errorCode(t, rr) == "ip_blocked" {
		t.Fatal("still blocked after block duration")
	}
}

func TestLogin_AccountLockedAfterFiveFailures(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "lockme", store.RoleRequester, testPassword)

	for i := 1; i <= 5; i++ {
		rr := e.login(t, "192.0.2.20", u.Username, "wrong")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d: got %d", i, rr.Code)
		}
	}

	// A wrong password against a locked account looks like any other.
	e.clock.Advance(61 * time.Second)
	rr := e.login(t, "192.0.2.20", u.Username, "wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password on locked account: got %d", rr.Code)
	}

	rr = e.login(t, "192.0.2.21", u.Username, testPassword)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rr.Code)
	}
	if code := errorCode(t, rr); code != "account_locked" {
		t.Errorf("error code = %q, want account_locked", code)
	}
	if findCookie(rr, auth.SessionCookieName) != nil {
		t.Error("locked account received a session cookie")
	}

	// Locks do not expire on their own.
	e.clock.Advance(24 * time.Hour)
	rr = e.login(t, "192.0.2.21", u.Username, testPassword)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("after a day: got %d, want 403", rr.Code)
	}
}

func TestLogin_SuccessResetsCounters(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, e.stores.Users, "reset", store.RoleRequester, testPassword)

	for i := 0; i < 4; i++ {
		e.login(t, "192.0.2.30", u.Username, "wrong")
	}
	rr := e.login(t, "192.0.2.30", u.Username, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: got %d", rr.Code)
	}

	if n := e.svc.IPGuard.FailedAttempts("192.0.2.30"); n != 0 {
		t.Errorf("ip attempts = %d, want 0", n)
	}
	ls, err := e.svc.Lockout.GetUserLockStatus(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ls.FailedAttempts != 0 {
		t.Errorf("account attempts = %d, want 0", ls.FailedAttempts)
	}

	// The login window was reset too, so five more attempts are admitted.
	for i := 1; i <= 5; i++ {
		rr := e.login(t, "192.0.2.30", u.Username, "wrong")
		if rr.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d rate limited after a successful login", i)
		}
	}
}

func TestLogout(t *testing.T) {
	e := newTestServer(t)
	_, cookie := e.loginAs(t, store.RoleRequester)

	rr := e.do(t, request{method: "POST", path: "/api/logout", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: got %d", rr.Code)
	}
	if c := findCookie(rr, auth.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("expected the session cookie to be cleared, got %+v", c)
	}

	rr = e.do(t, request{method: "GET", path: "/api/me", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/me after logout: got %d, want 401", rr.Code)
	}

	// Logging out twice is harmless.
	rr = e.do(t, request{method: "POST", path: "/api/logout", cookies: []*http.Cookie{cookie}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("second logout: got %d", rr.Code)
	}
}

func TestLogin_WritesAuditTrail(t *testing.T) {
	e := newTestServer(t)
	u := testutil.CreateUser(t, e.stores.Users, "audited", store.RoleRequester, testPassword)

	e.login(t, "192.0.2.40", u.Username, "wrong")
	e.login(t, "192.0.2.40", u.Username, testPassword)

	entries, err := e.svc.Audit.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, en := range entries {
		actions = append(actions, en.Action)
	}
	want := map[string]bool{"login.failed": false, "login.success": false}
	for _, a := range actions {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for a, seen := range want {
		if !seen {
			t.Errorf("missing audit action %s in %v", a, actions)
		}
	}
}
