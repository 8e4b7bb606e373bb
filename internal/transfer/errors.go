package transfer

import "errors"

var (
	// ErrChannelClosedMidTransfer is reported when the data channel goes away
	// before the transfer is confirmed. It is never retried.
	ErrChannelClosedMidTransfer = errors.New("connection lost")

	// ErrIdleTimeout is wrapped by ErrChannelClosedMidTransfer when the peer
	// stopped responding.
	ErrIdleTimeout = errors.New("peer idle timeout")

	// ErrChunkOverrun means the peer sent more bytes than the manifest declared.
	ErrChunkOverrun = errors.New("chunk overrun")

	// ErrUnexpectedMessage means the peer sent a message the current phase
	// cannot accept, such as a chunk before the manifest.
	ErrUnexpectedMessage = errors.New("unexpected message")

	ErrCancelled      = errors.New("cancelled")
	ErrNoFile         = errors.New("no file selected")
	ErrChannelNotOpen = errors.New("data channel not open")
	ErrAlreadyStarted = errors.New("transfer already started")
)
