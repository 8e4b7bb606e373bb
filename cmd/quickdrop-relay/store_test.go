package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/wilsonzlin/quickdrop/internal/config"
	"github.com/wilsonzlin/quickdrop/internal/metrics"
)

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"memory", config.Config{StoreBackend: config.StoreBackendMemory, SessionTTL: time.Minute}},
		{"redis", config.Config{StoreBackend: config.StoreBackendRedis, RedisAddr: mr.Addr(), SessionTTL: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s, err := openStore(ctx, tt.cfg, metrics.New(), logger)
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer s.Close()

			if err := s.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			sess, err := s.Create(ctx, "sender-1")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := s.Join(ctx, sess.Code, "receiver-1")
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if got.ReceiverID != "receiver-1" {
				t.Fatalf("receiver=%q, want receiver-1", got.ReceiverID)
			}
		})
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, err := openStore(context.Background(), config.Config{StoreBackend: "etcd"}, nil, slog.Default())
	if err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
