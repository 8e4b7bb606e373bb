package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andres-erbsen/clock"
	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
)

type harness struct {
	store   *Store
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	return harness{
		store:   New(NewMemoryBackend(mock), cfg),
		advance: mock.Add,
	}
}

func newRedisHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return harness{
		store:   New(NewRedisBackend(client), cfg),
		advance: mr.FastForward,
	}
}

var backends = []struct {
	name string
	new  func(t *testing.T, cfg Config) harness
}{
	{"memory", newMemoryHarness},
	{"redis", newRedisHarness},
}

func TestStore_CreateJoinGet(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{})

			sess, err := h.store.Create(ctx, "sender-1")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := sessioncode.Validate(sess.Code); err != nil {
				t.Fatalf("code=%q: %v", sess.Code, err)
			}
			if sess.SenderID != "sender-1" || sess.HasReceiver() {
				t.Fatalf("session=%+v, want sender-1 and no receiver", sess)
			}

			joined, err := h.store.Join(ctx, sess.Code, "receiver-1")
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if joined.ReceiverID != "receiver-1" || joined.SenderID != "sender-1" {
				t.Fatalf("joined=%+v", joined)
			}

			got, err := h.store.Get(ctx, sess.Code)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.SenderID != "sender-1" || got.ReceiverID != "receiver-1" {
				t.Fatalf("got=%+v", got)
			}
			if peer, ok := got.Peer("sender-1"); !ok || peer != "receiver-1" {
				t.Fatalf("Peer(sender)=%q,%v", peer, ok)
			}
		})
	}
}

func TestStore_JoinUnknownCode(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{})

			_, err := h.store.Join(ctx, "123456", "receiver")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err=%v, want ErrNotFound", err)
			}
			if _, err := h.store.Get(ctx, "123456"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after failed join err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_SecondReceiverRejected(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{})

			sess, err := h.store.Create(ctx, "s")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := h.store.Join(ctx, sess.Code, "r1"); err != nil {
				t.Fatal(err)
			}
			if _, err := h.store.Join(ctx, sess.Code, "r1"); err != nil {
				t.Fatalf("idempotent re-join err=%v", err)
			}
			if _, err := h.store.Join(ctx, sess.Code, "r2"); !errors.Is(err, ErrSessionFull) {
				t.Fatalf("err=%v, want ErrSessionFull", err)
			}
			got, err := h.store.Get(ctx, sess.Code)
			if err != nil {
				t.Fatal(err)
			}
			if got.ReceiverID != "r1" {
				t.Fatalf("receiver=%q, want r1", got.ReceiverID)
			}
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{TTL: time.Minute})

			sess, err := h.store.Create(ctx, "s")
			if err != nil {
				t.Fatal(err)
			}
			h.advance(59 * time.Second)
			if _, err := h.store.Get(ctx, sess.Code); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}
			h.advance(2 * time.Second)
			if _, err := h.store.Join(ctx, sess.Code, "r"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Join after expiry err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_MutationsRefreshTTL(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{TTL: time.Minute})

			sess, err := h.store.Create(ctx, "s")
			if err != nil {
				t.Fatal(err)
			}
			h.advance(50 * time.Second)
			if _, err := h.store.Join(ctx, sess.Code, "r"); err != nil {
				t.Fatal(err)
			}
			h.advance(50 * time.Second)
			if _, err := h.store.Touch(ctx, sess.Code); err != nil {
				t.Fatalf("Touch: %v", err)
			}
			h.advance(50 * time.Second)
			removal, err := h.store.RemoveParticipant(ctx, sess.Code, "r")
			if err != nil {
				t.Fatal(err)
			}
			if removal != RemovedReceiver {
				t.Fatalf("removal=%v, want receiver", removal)
			}
			h.advance(50 * time.Second)
			got, err := h.store.Get(ctx, sess.Code)
			if err != nil {
				t.Fatalf("Get after refreshed TTL: %v", err)
			}
			if got.HasReceiver() {
				t.Fatalf("receiver=%q, want cleared", got.ReceiverID)
			}
		})
	}
}

func TestStore_RemoveParticipant(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			h := b.new(t, Config{})

			sess, err := h.store.Create(ctx, "s")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := h.store.Join(ctx, sess.Code, "r"); err != nil {
				t.Fatal(err)
			}

			removal, err := h.store.RemoveParticipant(ctx, sess.Code, "stranger")
			if err != nil || removal != RemovedNothing {
				t.Fatalf("stranger removal=%v err=%v", removal, err)
			}

			removal, err = h.store.RemoveParticipant(ctx, sess.Code, "r")
			if err != nil || removal != RemovedReceiver {
				t.Fatalf("receiver removal=%v err=%v", removal, err)
			}
			if _, err := h.store.Join(ctx, sess.Code, "r2"); err != nil {
				t.Fatalf("new joiner after receiver left: %v", err)
			}

			removal, err = h.store.RemoveParticipant(ctx, sess.Code, "s")
			if err != nil || removal != RemovedSession {
				t.Fatalf("sender removal=%v err=%v", removal, err)
			}
			if _, err := h.store.Get(ctx, sess.Code); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after sender left err=%v, want ErrNotFound", err)
			}

			removal, err = h.store.RemoveParticipant(ctx, sess.Code, "s")
			if err != nil || removal != RemovedNothing {
				t.Fatalf("second removal=%v err=%v", removal, err)
			}
		})
	}
}

// zeroThenOne yields code 000000 for the first n draws and 000001 after.
func zeroThenOne(n int) *bytes.Reader {
	buf := make([]byte, 0, 3*(n+1))
	buf = append(buf, make([]byte, 3*n)...)
	buf = append(buf, 0, 0, 1)
	return bytes.NewReader(buf)
}

func TestStore_CreateRetriesOnCollision(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			m := metrics.New()
			h := b.new(t, Config{Metrics: m, Rand: zeroThenOne(2)})

			first, err := h.store.Create(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if first.Code != "000000" {
				t.Fatalf("first code=%q, want 000000", first.Code)
			}
			second, err := h.store.Create(ctx, "b")
			if err != nil {
				t.Fatal(err)
			}
			if second.Code != "000001" {
				t.Fatalf("second code=%q, want 000001", second.Code)
			}
			if got := m.Get(metrics.SessionCodeCollision); got != 1 {
				t.Fatalf("collisions=%d, want 1", got)
			}
			got, err := h.store.Get(ctx, "000000")
			if err != nil || got.SenderID != "a" {
				t.Fatalf("original session=%+v err=%v, want sender a", got, err)
			}
		})
	}
}

func TestStore_CreateCodeSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	h := newMemoryHarness(t, Config{MaxCodeAttempts: 4, Rand: bytes.NewReader(make([]byte, 64))})

	if _, err := h.store.Create(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Create(ctx, "b"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("err=%v, want ErrCodeSpaceExhausted", err)
	}
}

func TestStore_ConcurrentJoinsOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newMemoryHarness(t, Config{})

	sess, err := h.store.Create(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		full int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.store.Join(ctx, sess.Code, string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSessionFull):
				full++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || full != n-1 {
		t.Fatalf("wins=%d full=%d, want 1 and %d", wins, full, n-1)
	}
}

func TestStore_JoinRacingSenderDisconnect(t *testing.T) {
	ctx := context.Background()
	h := newMemoryHarness(t, Config{})

	for i := 0; i < 50; i++ {
		sess, err := h.store.Create(ctx, "s")
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.store.Join(ctx, sess.Code, "r")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.store.RemoveParticipant(ctx, sess.Code, "s")
		}()
		wg.Wait()
		if _, err := h.store.Get(ctx, sess.Code); !errors.Is(err, ErrNotFound) {
			t.Fatalf("iteration %d: session survived sender disconnect: err=%v", i, err)
		}
	}
}

func TestStore_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := New(NewRedisBackend(client), Config{})
	mr.Close()

	ctx := context.Background()
	if _, err := s.Create(ctx, "s"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Create err=%v, want ErrStoreUnavailable", err)
	}
	if _, err := s.Join(ctx, "123456", "r"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Join err=%v, want ErrStoreUnavailable", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Ping err=%v, want ErrStoreUnavailable", err)
	}
}

func TestRedisBackend_UpdateFailsClosedUnderContention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = other.Close()
	})
	ctx := context.Background()
	b := NewRedisBackend(client)

	if ok, err := b.Insert(ctx, "424242", Record{SenderID: "s"}, time.Minute); err != nil || !ok {
		t.Fatalf("Insert ok=%v err=%v", ok, err)
	}

	competing, err := encodeRecord(Record{SenderID: "s", ReceiverID: "other"})
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	_, err = b.Update(ctx, "424242", time.Minute, func(rec *Record) (Op, error) {
		calls++
		// A competing writer touches the key between WATCH and EXEC.
		if err := other.Set(ctx, KeyPrefix+"424242", competing, time.Minute).Err(); err != nil {
			t.Fatalf("competing write: %v", err)
		}
		rec.ReceiverID = "r"
		return OpSave, nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if calls != maxTxAttempts {
		t.Fatalf("calls=%d, want %d", calls, maxTxAttempts)
	}
}

func TestRedisBackend_RecordIsCBOR(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	b := NewRedisBackend(client)

	if _, err := b.Insert(ctx, "111111", Record{SenderID: "s", ReceiverID: "r"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	raw, err := mr.Get(KeyPrefix + "111111")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := decodeRecord([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if rec.SenderID != "s" || rec.ReceiverID != "r" {
		t.Fatalf("rec=%+v", rec)
	}
	want, _ := encodeRecord(Record{SenderID: "s", ReceiverID: "r"})
	if !bytes.Equal([]byte(raw), want) {
		t.Fatalf("encoding not deterministic: %x vs %x", raw, want)
	}
	if ttl := mr.TTL(KeyPrefix + "111111"); ttl != time.Minute {
		t.Fatalf("ttl=%v, want 1m", ttl)
	}
}

func TestMemoryBackend_Sweep(t *testing.T) {
	mock := clock.NewMock()
	b := NewMemoryBackend(mock)
	ctx := context.Background()

	for _, code := range []string{"000001", "000002"} {
		if _, err := b.Insert(ctx, code, Record{SenderID: code}, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Insert(ctx, "000003", Record{SenderID: "x"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	mock.Add(2 * time.Minute)
	if n := b.Sweep(); n != 2 {
		t.Fatalf("swept=%d, want 2", n)
	}
	if n := b.Len(); n != 1 {
		t.Fatalf("len=%d, want 1", n)
	}
}
