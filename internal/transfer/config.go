package transfer

import (
	"log/slog"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultChunkSize     = 16384
	DefaultHighWatermark = 1 << 20
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultWindow        = 1
	DefaultIdleTimeout   = 30 * time.Second
)

// Channel is the subset of *webrtc.DataChannel the engine drives.
type Channel interface {
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	Send(data []byte) error
	BufferedAmount() uint64
	Close() error
}

type Config struct {
	ChunkSize     int
	HighWatermark uint64
	RetryDelay    time.Duration

	// Window is the number of chunks that may be in flight. 1 is strict
	// lockstep: one chunk per ready-for-next-chunk.
	Window int

	// IdleTimeout fails a live transfer when nothing arrives from the peer
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// OnUpdate is called for every progress step and phase change, with the
	// engine locked. It must not call back into the engine.
	OnUpdate func(Update)
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     DefaultChunkSize,
		HighWatermark: DefaultHighWatermark,
		RetryDelay:    DefaultRetryDelay,
		Window:        DefaultWindow,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = DefaultHighWatermark
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
