// Package store keeps the short-lived session records that pair a sender with
// a receiver.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
)

const (
	DefaultTTL             = 1800 * time.Second
	DefaultMaxCodeAttempts = 16
)

type Config struct {
	// TTL is the expiry window applied on create and refreshed on every
	// mutation.
	TTL time.Duration
	// MaxCodeAttempts bounds code generation retries on collision.
	MaxCodeAttempts int
	// Rand is the entropy source for codes. Defaults to crypto/rand.
	Rand io.Reader
	// Clock stamps ExpiresAt on returned sessions.
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Store struct {
	backend     Backend
	ttl         time.Duration
	maxAttempts int
	rand        io.Reader
	clock       clock.Clock
	metrics     *metrics.Metrics
}

func New(backend Backend, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Store{
		backend:     backend,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxCodeAttempts,
		rand:        cfg.Rand,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
	}
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) session(code string, rec Record, ttl time.Duration) Session {
	return Session{
		Code:       code,
		SenderID:   rec.SenderID,
		ReceiverID: rec.ReceiverID,
		ExpiresAt:  s.clock.Now().Add(ttl),
	}
}

// Create allocates a fresh code owned by senderID.
func (s *Store) Create(ctx context.Context, senderID string) (Session, error) {
	rec := Record{SenderID: senderID}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		code, err := sessioncode.Generate(s.rand)
		if err != nil {
			return Session{}, err
		}
		ok, err := s.backend.Insert(ctx, code, rec, s.ttl)
		if err != nil {
			return Session{}, wrap("create session", err)
		}
		if ok {
			return s.session(code, rec, s.ttl), nil
		}
		s.metrics.Inc(metrics.SessionCodeCollision)
	}
	return Session{}, ErrCodeSpaceExhausted
}

// Join attaches receiverID to the session. Re-joining with the same receiver
// only refreshes the TTL; a different receiver gets ErrSessionFull.
func (s *Store) Join(ctx context.Context, code, receiverID string) (Session, error) {
	rec, err := s.backend.Update(ctx, code, s.ttl, func(rec *Record) (Op, error) {
		if rec.ReceiverID != "" && rec.ReceiverID != receiverID {
			return OpKeep, ErrSessionFull
		}
		rec.ReceiverID = receiverID
		return OpSave, nil
	})
	if err != nil {
		return Session{}, wrap("join session", err)
	}
	return s.session(code, rec, s.ttl), nil
}

func (s *Store) Get(ctx context.Context, code string) (Session, error) {
	rec, remaining, err := s.backend.Get(ctx, code)
	if err != nil {
		return Session{}, wrap("get session", err)
	}
	return s.session(code, rec, remaining), nil
}

// Touch refreshes the session TTL without changing its participants.
func (s *Store) Touch(ctx context.Context, code string) (Session, error) {
	rec, err := s.backend.Update(ctx, code, s.ttl, func(*Record) (Op, error) {
		return OpSave, nil
	})
	if err != nil {
		return Session{}, wrap("touch session", err)
	}
	return s.session(code, rec, s.ttl), nil
}

// RemoveParticipant handles an endpoint leaving. The sender leaving deletes
// the session; the receiver leaving clears its slot and refreshes the TTL.
func (s *Store) RemoveParticipant(ctx context.Context, code, endpointID string) (Removal, error) {
	removal := RemovedNothing
	_, err := s.backend.Update(ctx, code, s.ttl, func(rec *Record) (Op, error) {
		switch {
		case endpointID == "":
			removal = RemovedNothing
			return OpKeep, nil
		case rec.SenderID == endpointID:
			removal = RemovedSession
			return OpDelete, nil
		case rec.ReceiverID == endpointID:
			removal = RemovedReceiver
			rec.ReceiverID = ""
			return OpSave, nil
		default:
			removal = RemovedNothing
			return OpKeep, nil
		}
	})
	if errors.Is(err, ErrNotFound) {
		return RemovedNothing, nil
	}
	if err != nil {
		return RemovedNothing, wrap("remove participant", err)
	}
	return removal, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.backend.Ping(ctx))
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrSessionFull),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}
