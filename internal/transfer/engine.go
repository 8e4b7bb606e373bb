package transfer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/andres-erbsen/clock"
)

type Phase string

const (
	PhaseArmed Phase = "armed"

	// Sender phases.
	PhaseSendingManifest Phase = "sending-manifest"
	PhaseAwaitingAck     Phase = "awaiting-ack"
	PhaseSendingChunk    Phase = "sending-chunk"
	PhaseAwaitingReceipt Phase = "awaiting-receipt"

	// Receiver phases.
	PhaseAwaitingManifest Phase = "awaiting-manifest"
	PhaseTransferring     Phase = "transferring"
	PhaseAssembling       Phase = "assembling"

	PhaseDone   Phase = "done"
	PhaseFailed Phase = "failed"
)

func (p Phase) terminal() bool { return p == PhaseDone || p == PhaseFailed }

// Update is a snapshot delivered to Config.OnUpdate. Transferred never
// decreases within one transfer.
type Update struct {
	Phase       Phase
	Transferred uint64
	Total       uint64
	Err         error
	// Artifact is set on the receiver's PhaseDone update.
	Artifact *Artifact
}

type Stats struct {
	Chunks uint64
	// PressureRetries counts sends deferred because the channel buffer was
	// above the high watermark.
	PressureRetries uint64
}

// engine holds the state shared by Sender and Receiver. Every transition
// happens with mu held.
type engine struct {
	cfg Config
	ch  Channel
	log *slog.Logger

	mu          sync.Mutex
	phase       Phase
	err         error
	transferred uint64
	total       uint64
	stats       Stats

	idle    *clock.Timer
	idleGen uint64

	// release drops side-specific resources when the transfer fails.
	release func()
}

func newEngine(ch Channel, cfg Config, side string) engine {
	cfg = cfg.withDefaults()
	return engine{
		cfg:   cfg,
		ch:    ch,
		log:   cfg.Logger.With("side", side),
		phase: PhaseArmed,
	}
}

func (e *engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Err returns why the transfer failed, or nil.
func (e *engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *engine) setPhaseLocked(p Phase) {
	if e.phase == p {
		return
	}
	e.phase = p
	e.notifyLocked(nil)
}

func (e *engine) notifyLocked(a *Artifact) {
	if e.cfg.OnUpdate == nil {
		return
	}
	e.cfg.OnUpdate(Update{
		Phase:       e.phase,
		Transferred: e.transferred,
		Total:       e.total,
		Err:         e.err,
		Artifact:    a,
	})
}

// touchLocked restarts the idle timer. Timers from earlier generations that
// fire late are ignored.
func (e *engine) touchLocked() {
	e.stopIdleLocked()
	if e.cfg.IdleTimeout <= 0 {
		return
	}
	gen := e.idleGen
	e.idle = e.cfg.Clock.AfterFunc(e.cfg.IdleTimeout, func() { e.onIdle(gen) })
}

func (e *engine) stopIdleLocked() {
	e.idleGen++
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
}

func (e *engine) onIdle(gen uint64) {
	e.mu.Lock()
	if gen != e.idleGen || e.phase.terminal() {
		e.mu.Unlock()
		return
	}
	e.failLocked(fmt.Errorf("%w: %w", ErrChannelClosedMidTransfer, ErrIdleTimeout))
	e.mu.Unlock()
	e.closeChannel()
}

// failLocked moves to PhaseFailed. The caller closes the channel after
// unlocking.
func (e *engine) failLocked(err error) {
	if e.phase.terminal() {
		return
	}
	e.stopIdleLocked()
	if e.release != nil {
		e.release()
	}
	e.err = err
	e.log.Warn("transfer failed", "phase", string(e.phase), "transferred", e.transferred, "total", e.total, "err", err)
	e.setPhaseLocked(PhaseFailed)
}

func (e *engine) closeChannel() {
	if e.ch != nil {
		_ = e.ch.Close()
	}
}

// HandleClose reports that the data channel closed. Closing before the
// transfer is confirmed fails it with ErrChannelClosedMidTransfer.
func (e *engine) HandleClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLocked(ErrChannelClosedMidTransfer)
}
