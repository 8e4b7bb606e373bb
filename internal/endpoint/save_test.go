package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

func TestSaveArtifact_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)
	a := &transfer.Artifact{Name: "report.pdf", Data: []byte("first")}

	p1, err := SaveArtifact(dir, a, now)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if filepath.Base(p1) != "report.pdf" {
		t.Fatalf("path=%q, want report.pdf", p1)
	}

	a2 := &transfer.Artifact{Name: "report.pdf", Data: []byte("second")}
	p2, err := SaveArtifact(dir, a2, now)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if filepath.Base(p2) != "report_1700000000.pdf" {
		t.Fatalf("path=%q, want report_1700000000.pdf", p2)
	}
	p3, err := SaveArtifact(dir, a2, now)
	if err != nil {
		t.Fatalf("third save: %v", err)
	}
	if filepath.Base(p3) != "report_1700000000_1.pdf" {
		t.Fatalf("path=%q, want report_1700000000_1.pdf", p3)
	}

	got, err := os.ReadFile(p1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("original file was overwritten: %q", got)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"/abs/path/file.txt", "file.txt"},
		{"", fallbackName},
		{"..", fallbackName},
		{"  ", fallbackName},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Fatalf("safeName(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestICEURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/ice", false},
		{"wss://relay.example.com/ws?x=1", "https://relay.example.com/ice", false},
		{"wss://relay.example.com/quickdrop/ws", "https://relay.example.com/quickdrop/ice", false},
		{"http://relay.example.com/ws", "", true},
	}
	for _, tt := range tests {
		got, err := iceURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("iceURL(%q) err=%v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("iceURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchICEServers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ice" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":["stun:stun.example.com:3478"]}]}`))
	}))
	defer ts.Close()

	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	servers, err := FetchICEServers(context.Background(), ts.Client(), relayURL)
	if err != nil {
		t.Fatalf("FetchICEServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers=%+v", servers)
	}
}
