package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcusweller/parley/internal/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("server setup failed: %v", err)
	}
	t.Cleanup(s.Shutdown)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestAdminBootstrap(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Admins = []string{"DEV"}
		cfg.AdminPassword = "hunter2"
	})

	if err := s.ids.Authenticate("DEV", "hunter2"); err != nil {
		t.Fatalf("boot admin should be able to log in: %v", err)
	}
}

func TestForgotResetFlow(t *testing.T) {
	s, ts := newTestServer(t, nil)
	if err := s.ids.Register("alice", "old"); err != nil {
		t.Fatal(err)
	}

	var forgot forgotResponse
	postJSON(t, ts.URL+"/api/forgot", forgotRequest{Username: "alice"}, &forgot)
	if !forgot.Success || forgot.Token == "" || forgot.Expires == 0 {
		t.Fatalf("unexpected forgot response: %+v", forgot)
	}

	var reset resetResponse
	postJSON(t, ts.URL+"/api/reset", resetRequest{
		Username:    "alice",
		Token:       forgot.Token,
		NewPassword: "new",
	}, &reset)
	if !reset.Success {
		t.Fatalf("unexpected reset response: %+v", reset)
	}

	if err := s.ids.Authenticate("alice", "new"); err != nil {
		t.Fatalf("authenticate with new password failed: %v", err)
	}

	// The token is consumed on use.
	postJSON(t, ts.URL+"/api/reset", resetRequest{
		Username:    "alice",
		Token:       forgot.Token,
		NewPassword: "again",
	}, &reset)
	if reset.Success || reset.Error != "invalid" {
		t.Fatalf("expected invalid on token reuse, got %+v", reset)
	}
}

func TestForgotUnknownUser(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var forgot forgotResponse
	postJSON(t, ts.URL+"/api/forgot", forgotRequest{Username: "ghost"}, &forgot)
	if forgot.Success || forgot.Error != "notfound" {
		t.Fatalf("unexpected response: %+v", forgot)
	}
}

func TestForgotMissingUsername(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var forgot forgotResponse
	postJSON(t, ts.URL+"/api/forgot", forgotRequest{}, &forgot)
	if forgot.Success || forgot.Error != "missing" {
		t.Fatalf("unexpected response: %+v", forgot)
	}
}

func TestResetWithBadToken(t *testing.T) {
	s, ts := newTestServer(t, nil)
	if err := s.ids.Register("alice", "old"); err != nil {
		t.Fatal(err)
	}

	var reset resetResponse
	postJSON(t, ts.URL+"/api/reset", resetRequest{
		Username:    "alice",
		Token:       "bogus",
		NewPassword: "new",
	}, &reset)
	if reset.Success || reset.Error != "invalid" {
		t.Fatalf("unexpected response: %+v", reset)
	}
	if err := s.ids.Authenticate("alice", "old"); err != nil {
		t.Fatalf("password should be unchanged: %v", err)
	}
}

func TestUpgradeRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.UpgradeRateLimit = 1
	})

	// The first request consumes the budget (the upgrade itself fails
	// for a plain GET, but past the limiter).
	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first request should pass the limiter")
	}

	resp, err = http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}
