package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiationFailed matches every *NegotiationError.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrConnectionFailed is reported when ICE/DTLS gives up on the peer.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrUnexpectedChannel is reported when the remote opens a data channel
	// that is not an ordered, reliable quickdrop channel.
	ErrUnexpectedChannel = errors.New("unexpected data channel")

	ErrClosed = errors.New("peer establisher closed")
)

// Step names the negotiation message that failed.
type Step string

const (
	StepOffer     Step = "offer"
	StepAnswer    Step = "answer"
	StepCandidate Step = "candidate"
)

type NegotiationError struct {
	Step Step
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() []error {
	return []error{ErrNegotiationFailed, e.Err}
}
