package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"drops default port", "HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"keeps custom port", "http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"ipv6", "http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"null", "null", "null", "", true},
		{"empty", "   ", "", "", false},
		{"ftp", "ftp://example.com", "", "", false},
		{"path", "https://example.com/path", "", "", false},
		{"query", "https://example.com/?q=1", "", "", false},
		{"empty query", "https://example.com?", "", "", false},
		{"credentials", "https://user@example.com", "", "", false},
		{"fragment", "https://example.com/#frag", "", "", false},
		{"port zero", "http://example.com:0", "", "", false},
		{"port too large", "http://example.com:65536", "", "", false},
		{"list", "https://a.example,https://b.example", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm, host, ok := NormalizeHeader(tt.in)
			if ok != tt.wantOK || norm != tt.wantNorm || host != tt.wantHost {
				t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tt.in, norm, host, ok, tt.wantNorm, tt.wantHost, tt.wantOK)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	norm, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	if !IsAllowed(norm, host, "app.example.com", nil) {
		t.Fatalf("expected same-host to be allowed")
	}
	if !IsAllowed(norm, host, "app.example.com:443", nil) {
		t.Fatalf("expected default port to be equivalent")
	}
	if IsAllowed(norm, host, "relay.example.com", nil) {
		t.Fatalf("expected different host to be rejected")
	}
	if !IsAllowed(norm, host, "whatever:1234", []string{"*"}) {
		t.Fatalf("expected * to allow any origin")
	}
	if IsAllowed(norm, host, "app.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("explicit list must replace the same-host default")
	}
	if !IsAllowed("null", "", "relay.example.com", []string{"null"}) {
		t.Fatalf("expected null origin to be allowed when configured")
	}
}

func TestPolicy_Check(t *testing.T) {
	p := NewPolicy([]string{" HTTPS://App.Example.com:443 ", "not an origin"})

	r := httptest.NewRequest("GET", "http://relay.example.com/ws", nil)
	if o, ok := p.Check(r); !ok || o != "" {
		t.Fatalf("no Origin header: origin=%q ok=%v, want allowed", o, ok)
	}

	r.Header.Set("Origin", "https://app.example.com")
	if o, ok := p.Check(r); !ok || o != "https://app.example.com" {
		t.Fatalf("listed origin: origin=%q ok=%v", o, ok)
	}

	r.Header.Set("Origin", "https://evil.example.com")
	if _, ok := p.Check(r); ok {
		t.Fatalf("unlisted origin allowed")
	}
}
