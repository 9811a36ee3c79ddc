package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalix/mailer/internal/app"
	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/config"
	"github.com/signalix/mailer/internal/db"
	"github.com/signalix/mailer/internal/logging"
)

const testSessionSecret = "e2e-session-secret-0123456789abcdefghij"

// Clock is a settable time source for lockout and expiry scenarios
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testServer is a running httptest server plus the wiring behind it
type testServer struct {
	Server *httptest.Server
	App    *app.App
	Clock  *Clock
}

// testConfig returns defaults suitable for tests: cheap hashing, no request
// rate limit, no background loops.
func testConfig(storage string) *config.Config {
	cfg := config.Defaults()
	cfg.Storage = storage
	cfg.SessionSecret = testSessionSecret
	cfg.RateLimitRPS = 0
	cfg.SessionSweepInterval = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, stores *app.Stores) *testServer {
	t.Helper()
	clock := NewClock()
	a, err := app.New(cfg, stores, logging.Discard(), app.Options{
		Now:    clock.Now,
		Argon2: &auth.Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1},
	})
	require.NoError(t, err)

	server := httptest.NewServer(a.Handler)
	t.Cleanup(server.Close)
	return &testServer{Server: server, App: a, Clock: clock}
}

// newMemoryServer starts a server over in-memory stores
func newMemoryServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig(config.StorageMemory)
	for _, m := range mutate {
		m(cfg)
	}
	return startServer(t, cfg, app.MemoryStores(cfg))
}

// newPostgresServer starts a server over a freshly truncated Postgres
// database. It skips the test when DATABASE_URL is not set.
func newPostgresServer(t *testing.T) *testServer {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, url, logging.Discard())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, db.TruncateAll(ctx, database), "truncate tables")

	cfg := testConfig(config.StoragePostgres)
	cfg.DatabaseURL = url
	return startServer(t, cfg, app.PostgresStores(database))
}

func (s *testServer) BaseURL() string { return s.Server.URL }

// socketIPKey is the lockout key for the address test clients connect from.
// The listener is on loopback, so clients dial from the same address.
func (s *testServer) socketIPKey(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(s.Server.URL)
	require.NoError(t, err)
	return auth.IPKey(u.Hostname())
}

// client is an HTTP client with its own cookie jar, i.e. one browser
type client struct {
	t       *testing.T
	base    string
	http    *http.Client
	session string
	// header is added to every request
	header http.Header
}

func (s *testServer) newClient(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{t: t, base: s.BaseURL(), http: &http.Client{Jar: jar}, header: http.Header{}}
}

// do sends a JSON request. If the client holds a bearer session it is sent too.
func (c *client) do(method, path string, body any) (*http.Response, string) {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	require.NoError(c.t, err)
	for k, v := range c.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.Header.Set("Authorization", "Bearer "+c.session)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	return resp, readBody(resp)
}

func (c *client) register(email, password, name string) userResponse {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/auth/register", map[string]string{
		"email": email, "password": password, "display_name": name,
	})
	require.Equal(c.t, http.StatusCreated, resp.StatusCode, "register: %s", body)
	var u userResponse
	require.NoError(c.t, json.Unmarshal([]byte(body), &u))
	return u
}

// login posts credentials and, on success, keeps the returned handle
func (c *client) login(email, password, trust string) (*http.Response, string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/auth/login", map[string]string{
		"email": email, "password": password, "trust": trust,
	})
	if resp.StatusCode == http.StatusOK {
		var s sessionResponse
		require.NoError(c.t, json.Unmarshal([]byte(body), &s))
		c.session = s.SessionToken
	}
	return resp, body
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v), body)
	return v
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	SessionToken string        `json:"session_token"`
	TokenType    string        `json:"token_type"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Trust        string        `json:"trust"`
	User         *userResponse `json:"user"`
}

type participant struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type messageResponse struct {
	ID        string      `json:"id"`
	Sender    participant `json:"sender"`
	Recipient participant `json:"recipient"`
	Subject   string      `json:"subject"`
	Body      string      `json:"body"`
	ReadAt    *time.Time  `json:"read_at"`
	Read      bool        `json:"read"`
}

type messageList struct {
	Messages []messageResponse `json:"messages"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func readBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
