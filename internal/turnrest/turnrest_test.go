package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
)

func newTestMinter(t *testing.T, ttl time.Duration) (*Minter, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Add(1_700_000_000 * time.Second)
	m, err := New(Config{
		URLs:         []string{"turn:turn.example.com:3478?transport=udp"},
		SharedSecret: "shared-secret",
		TTL:          ttl,
		Clock:        clk,
		NewID:        func() string { return "session123" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, clk
}

func expectedCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestMint_Deterministic(t *testing.T) {
	m, _ := newTestMinter(t, time.Hour)

	c, err := m.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	wantUsername := "1700003600:quickdrop:session123"
	if c.Username != wantUsername {
		t.Fatalf("username=%q, want %q", c.Username, wantUsername)
	}
	if c.Credential != expectedCredential("shared-secret", wantUsername) {
		t.Fatalf("credential=%q does not match HMAC-SHA1 of the username", c.Credential)
	}
	if c.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("expires=%d, want 1700003600", c.Expires.Unix())
	}
}

func TestMint_ExpiryFollowsClock(t *testing.T) {
	m, clk := newTestMinter(t, 10*time.Second)

	first, _ := m.Mint()
	clk.Add(5 * time.Second)
	second, _ := m.Mint()
	if got := second.Expires.Sub(first.Expires); got != 5*time.Second {
		t.Fatalf("expiry advanced by %s, want 5s", got)
	}
}

func TestICEServer(t *testing.T) {
	m, _ := newTestMinter(t, time.Hour)

	s, err := m.ICEServer()
	if err != nil {
		t.Fatalf("ICEServer: %v", err)
	}
	if len(s.URLs) != 1 || s.URLs[0] != "turn:turn.example.com:3478?transport=udp" {
		t.Fatalf("urls=%v", s.URLs)
	}
	if s.Username == "" || s.Credential == "" {
		t.Fatalf("server missing credentials: %+v", s)
	}
}

func TestNew_Rejects(t *testing.T) {
	base := Config{URLs: []string{"turn:t.example.com"}, SharedSecret: "s", TTL: time.Minute}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no urls", func(c *Config) { c.URLs = nil }},
		{"stun url", func(c *Config) { c.URLs = []string{"stun:s.example.com"} }},
		{"no secret", func(c *Config) { c.SharedSecret = "" }},
		{"short ttl", func(c *Config) { c.TTL = time.Millisecond }},
		{"colon prefix", func(c *Config) { c.UsernamePrefix = "a:b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMint_RejectsIDWithColon(t *testing.T) {
	m, err := New(Config{
		URLs:         []string{"turn:t.example.com"},
		SharedSecret: "s",
		TTL:          time.Minute,
		NewID:        func() string { return "a:b" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Mint(); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
}
