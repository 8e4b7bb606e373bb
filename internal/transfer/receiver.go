package transfer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Receiver collects one file. It keeps up to Window chunk requests in flight,
// never more than the sender advertised, and never asks for bytes past the
// declared size.
type Receiver struct {
	engine

	manifest Manifest
	chunks   [][]byte
	inflight int
	artifact *Artifact

	// Pacing agreed from the sender's file-info.
	window    int
	chunkSize int
}

func NewReceiver(ch Channel, cfg Config) *Receiver {
	r := &Receiver{engine: newEngine(ch, cfg, "receiver")}
	r.release = r.releaseLocked
	return r
}

// Start waits for the sender's manifest.
func (r *Receiver) Start() error {
	if r.ch == nil || r.ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseArmed {
		return ErrAlreadyStarted
	}
	r.setPhaseLocked(PhaseAwaitingManifest)
	r.touchLocked()
	return nil
}

// Artifact returns the assembled file once the transfer is done.
func (r *Receiver) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

func (r *Receiver) Manifest() Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// HandleMessage processes one inbound data channel message.
func (r *Receiver) HandleMessage(msg webrtc.DataChannelMessage) {
	r.mu.Lock()
	if r.phase.terminal() || r.ch == nil {
		r.mu.Unlock()
		return
	}
	r.touchLocked()

	var err error
	if msg.IsString {
		err = r.handleControlLocked(msg.Data)
	} else {
		err = r.handleChunkLocked(msg.Data)
	}
	if err != nil {
		r.failLocked(err)
	}
	r.mu.Unlock()
	if err != nil {
		r.closeChannel()
	}
}

func (r *Receiver) handleControlLocked(data []byte) error {
	c, err := decodeControl(data)
	if err != nil {
		r.log.Debug("ignoring malformed control message", "err", err)
		return nil
	}
	if c.Type != TypeFileInfo {
		r.log.Debug("ignoring control message", "type", c.Type)
		return nil
	}
	if r.phase == PhaseAssembling {
		return fmt.Errorf("%w: manifest while assembling", ErrUnexpectedMessage)
	}

	r.manifest = c.manifest()
	r.window = min(r.cfg.Window, max(c.Window, 1))
	r.chunkSize = r.cfg.ChunkSize
	if c.ChunkSize > 0 {
		r.chunkSize = c.ChunkSize
	}
	r.chunks = nil
	r.inflight = 0
	r.transferred = 0
	r.total = r.manifest.Size
	r.log.Debug("manifest received", "name", r.manifest.Name, "size", r.manifest.Size)

	if r.total == 0 {
		return r.assembleLocked()
	}
	r.setPhaseLocked(PhaseTransferring)
	return r.requestLocked()
}

func (r *Receiver) handleChunkLocked(data []byte) error {
	if r.phase != PhaseTransferring {
		return fmt.Errorf("%w: chunk in phase %s", ErrUnexpectedMessage, r.phase)
	}
	if r.transferred+uint64(len(data)) > r.total {
		return fmt.Errorf("%w: %d bytes after %d of %d", ErrChunkOverrun, len(data), r.transferred, r.total)
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	r.chunks = append(r.chunks, chunk)
	r.transferred += uint64(len(data))
	r.inflight = max(r.inflight-1, 0)
	r.stats.Chunks++
	r.notifyLocked(nil)

	if r.transferred == r.total {
		return r.assembleLocked()
	}
	return r.requestLocked()
}

// requestLocked tops up outstanding chunk requests.
func (r *Receiver) requestLocked() error {
	for r.inflight < r.window {
		pending := r.transferred + uint64(r.inflight)*uint64(r.chunkSize)
		if pending >= r.total {
			return nil
		}
		if err := r.ch.SendText(encodeSignal(TypeReadyForNextChunk)); err != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosedMidTransfer, err)
		}
		r.inflight++
	}
	return nil
}

// assembleLocked concatenates the chunks, releases them, tells observers and
// then confirms receipt to the sender.
func (r *Receiver) assembleLocked() error {
	r.setPhaseLocked(PhaseAssembling)
	data := make([]byte, 0, r.total)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	r.chunks = nil
	r.inflight = 0
	r.artifact = newArtifact(r.manifest, data)

	r.stopIdleLocked()
	r.phase = PhaseDone
	r.notifyLocked(r.artifact)

	if err := r.ch.SendText(encodeSignal(TypeFileReceived)); err != nil {
		r.log.Warn("failed to confirm receipt", "err", err)
	}
	return nil
}

// Cancel fails the transfer with ErrCancelled, drops buffered chunks and
// closes the channel.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	r.failLocked(ErrCancelled)
	r.mu.Unlock()
	r.closeChannel()
}

func (r *Receiver) releaseLocked() {
	r.chunks = nil
	r.inflight = 0
}
