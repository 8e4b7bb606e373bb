package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/quickdrop/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	return &recordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupWarnings(t *testing.T) {
	turn := webrtc.ICEServer{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}
	stun := webrtc.ICEServer{URLs: []string{"stun:stun.example.com:3478"}}

	tests := []struct {
		name string
		cfg  config.Config
		want []string
		not  []string
	}{
		{
			name: "dev defaults are quiet",
			cfg: config.Config{
				Mode:                          config.ModeDev,
				StoreBackend:                  config.StoreBackendMemory,
				MaxSignalingMessagesPerSecond: 50,
				MaxSignalingMessageBytes:      64 * 1024,
				ICEServers:                    []webrtc.ICEServer{stun},
			},
			not: []string{"memory_store_in_prod", "no_turn_server", "allowed_origins_wildcard"},
		},
		{
			name: "wildcard origins",
			cfg: config.Config{
				Mode:           config.ModeDev,
				AllowedOrigins: []string{"*"},
			},
			want: []string{"allowed_origins_wildcard"},
		},
		{
			name: "prod with memory store and no turn",
			cfg: config.Config{
				Mode:                          config.ModeProd,
				StoreBackend:                  config.StoreBackendMemory,
				MaxSignalingMessagesPerSecond: 0,
				ICEServers:                    []webrtc.ICEServer{stun},
			},
			want: []string{"memory_store_in_prod", "signaling_rate_unlimited_in_prod", "no_turn_server"},
		},
		{
			name: "prod with redis and turn",
			cfg: config.Config{
				Mode:                          config.ModeProd,
				StoreBackend:                  config.StoreBackendRedis,
				MaxSignalingMessagesPerSecond: 50,
				MaxSignalingMessageBytes:      4 << 20,
				ICEServers:                    []webrtc.ICEServer{stun, turn},
			},
			want: []string{"signaling_message_bytes_large"},
			not:  []string{"memory_store_in_prod", "no_turn_server", "signaling_rate_unlimited_in_prod"},
		},
		{
			name: "turn rest counts as turn",
			cfg: config.Config{
				Mode:                          config.ModeProd,
				StoreBackend:                  config.StoreBackendRedis,
				MaxSignalingMessagesPerSecond: 50,
				ICEServers:                    []webrtc.ICEServer{stun},
				TURNREST:                      config.TURNRESTConfig{URLs: []string{"turn:t.example.com"}, SharedSecret: "s", TTL: 48 * time.Hour},
			},
			want: []string{"turn_rest_ttl_long"},
			not:  []string{"no_turn_server"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupWarnings(logger, tt.cfg)

			codes := warningCodes(records())
			for _, code := range tt.want {
				if !codes[code] {
					t.Fatalf("missing warning_code=%s, got %v", code, codes)
				}
			}
			for _, code := range tt.not {
				if codes[code] {
					t.Fatalf("unexpected warning_code=%s", code)
				}
			}
		})
	}
}
