package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/andres-erbsen/clock"
	"github.com/pion/webrtc/v4"
	"github.com/zeebo/blake3"
)

// Sender streams one file over an open data channel. Chunks are only sent
// against credits granted by the receiver's ready-for-next-chunk messages.
type Sender struct {
	engine

	manifest Manifest
	src      io.ReaderAt
	credits  int
	retry    *clock.Timer
	hasher   *blake3.Hasher
	digest   [32]byte
}

func NewSender(ch Channel, cfg Config) *Sender {
	s := &Sender{engine: newEngine(ch, cfg, "sender")}
	s.release = s.releaseLocked
	return s
}

// Start sends the manifest. No chunk is sent until the receiver asks for one.
func (s *Sender) Start(m Manifest, src io.ReaderAt) error {
	if src == nil {
		return ErrNoFile
	}
	if s.ch == nil || s.ch.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseArmed {
		return ErrAlreadyStarted
	}
	s.manifest = m
	s.src = src
	s.total = m.Size
	s.transferred = 0
	s.credits = 0
	s.hasher = blake3.New()

	s.setPhaseLocked(PhaseSendingManifest)
	msg, err := encodeFileInfo(m, s.cfg.Window, s.cfg.ChunkSize)
	if err != nil {
		s.failLocked(fmt.Errorf("encode manifest: %w", err))
		return err
	}
	if err := s.ch.SendText(msg); err != nil {
		s.failLocked(fmt.Errorf("send manifest: %w", err))
		return err
	}
	s.log.Debug("manifest sent", "name", m.Name, "size", m.Size)
	if m.Size == 0 {
		s.digest = blake3.Sum256(nil)
		s.setPhaseLocked(PhaseAwaitingReceipt)
	} else {
		s.setPhaseLocked(PhaseAwaitingAck)
	}
	s.touchLocked()
	return nil
}

// HandleMessage processes one inbound data channel message.
func (s *Sender) HandleMessage(msg webrtc.DataChannelMessage) {
	s.mu.Lock()
	if s.phase.terminal() || s.phase == PhaseArmed {
		s.mu.Unlock()
		return
	}
	s.touchLocked()

	if !msg.IsString {
		s.log.Debug("ignoring binary frame on sending side", "bytes", len(msg.Data))
		s.mu.Unlock()
		return
	}
	c, err := decodeControl(msg.Data)
	if err != nil {
		s.log.Debug("ignoring malformed control message", "err", err)
		s.mu.Unlock()
		return
	}

	var failed bool
	switch c.Type {
	case TypeReadyForNextChunk:
		if s.transferred < s.total {
			s.credits = min(s.credits+1, s.cfg.Window)
			failed = !s.pumpLocked()
		}
	case TypeFileReceived:
		s.finishLocked()
	default:
		s.log.Debug("ignoring control message", "type", c.Type)
	}
	s.mu.Unlock()
	if failed {
		s.closeChannel()
	}
}

// pumpLocked sends one chunk per credit while the channel buffer is below
// the high watermark. It returns false if the transfer failed.
func (s *Sender) pumpLocked() bool {
	for s.credits > 0 && s.transferred < s.total {
		if s.ch.BufferedAmount() > s.cfg.HighWatermark {
			if s.retry == nil {
				s.stats.PressureRetries++
				s.retry = s.cfg.Clock.AfterFunc(s.cfg.RetryDelay, s.onRetry)
			}
			return true
		}

		s.setPhaseLocked(PhaseSendingChunk)
		n := min(uint64(s.cfg.ChunkSize), s.total-s.transferred)
		buf := make([]byte, n)
		read, err := s.src.ReadAt(buf, int64(s.transferred))
		if uint64(read) != n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.failLocked(fmt.Errorf("read chunk at %d: %w", s.transferred, err))
			return false
		}
		if err := s.ch.Send(buf); err != nil {
			s.failLocked(fmt.Errorf("%w: %w", ErrChannelClosedMidTransfer, err))
			return false
		}
		_, _ = s.hasher.Write(buf)
		s.transferred += n
		s.credits--
		s.stats.Chunks++
		s.notifyLocked(nil)
	}

	if s.transferred == s.total {
		s.credits = 0
		copy(s.digest[:], s.hasher.Sum(nil))
		s.src = nil
		s.setPhaseLocked(PhaseAwaitingReceipt)
	} else {
		s.setPhaseLocked(PhaseAwaitingAck)
	}
	return true
}

func (s *Sender) onRetry() {
	s.mu.Lock()
	s.retry = nil
	if s.phase.terminal() {
		s.mu.Unlock()
		return
	}
	ok := s.pumpLocked()
	s.mu.Unlock()
	if !ok {
		s.closeChannel()
	}
}

func (s *Sender) finishLocked() {
	if s.transferred < s.total {
		s.log.Debug("file-received before all chunks were sent", "transferred", s.transferred, "total", s.total)
		return
	}
	s.stopIdleLocked()
	s.setPhaseLocked(PhaseDone)
}

// Cancel fails the transfer with ErrCancelled and closes the channel. No
// chunk is sent afterwards.
func (s *Sender) Cancel() {
	s.mu.Lock()
	s.failLocked(ErrCancelled)
	s.mu.Unlock()
	s.closeChannel()
}

func (s *Sender) releaseLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.credits = 0
	s.src = nil
}

// Digest is the BLAKE3 digest of everything sent. It is valid once every
// chunk has been sent.
func (s *Sender) Digest() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}
