package endpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/quickdrop/internal/client"
	"github.com/wilsonzlin/quickdrop/internal/metrics"
	"github.com/wilsonzlin/quickdrop/internal/peer"
	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
	"github.com/wilsonzlin/quickdrop/internal/signaling"
	"github.com/wilsonzlin/quickdrop/internal/store"
	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) string {
	t.Helper()
	m := metrics.New()
	srv := signaling.NewServer(signaling.Config{
		Store:   store.New(store.NewMemoryBackend(nil), store.Config{Metrics: m}),
		Metrics: m,
		Logger:  quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis []*webrtc.API
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := peer.NewAPI(peer.APIOptions{Net: n, Logger: quietLogger()})
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		apis = append(apis, api)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis[0], apis[1]
}

func testOptions(relayURL string, api *webrtc.API) Options {
	return Options{
		RelayURL: relayURL,
		// Non-nil and empty: no STUN lookups, host candidates only.
		ICEServers: []webrtc.ICEServer{},
		API:        api,
		Transfer:   transfer.DefaultConfig(),
		Logger:     quietLogger(),
	}
}

// waitForCode reads updates until the relay has assigned a session code.
func waitForCode(t *testing.T, a *Attempt) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-a.Updates():
			if !ok {
				_, err := a.Result()
				t.Fatalf("attempt ended before a code was assigned: %v", err)
			}
			if st.Code != "" {
				return st.Code
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session code")
		}
	}
}

func waitResult(t *testing.T, a *Attempt) (Result, error) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(20 * time.Second):
		a.Cancel()
		t.Fatalf("timed out waiting for attempt")
	}
	return a.Result()
}

func TestSendReceiveOverRelay(t *testing.T) {
	relayURL := startRelay(t)
	apiA, apiB := newVNetAPIs(t)

	data := bytes.Repeat([]byte("quickdrop"), 50000/9+1)[:50000]
	m := transfer.Manifest{Name: "notes.txt", Size: uint64(len(data)), MimeType: "text/plain"}

	ctx := context.Background()
	send, err := Send(ctx, testOptions(relayURL, apiA), m, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	code := waitForCode(t, send)
	if err := sessioncode.Validate(code); err != nil {
		t.Fatalf("code=%q: %v", code, err)
	}

	recv, err := Receive(ctx, testOptions(relayURL, apiB), " "+code+" ")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	var phases []Phase
	var last Status
	for st := range recv.Updates() {
		if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
			phases = append(phases, st.Phase)
		}
		last = st
	}
	if last.Phase != PhaseDone {
		t.Fatalf("final phase=%s err=%v, want %s", last.Phase, last.Err, PhaseDone)
	}
	if last.Progress.Percent != 100 {
		t.Fatalf("final percent=%v, want 100", last.Progress.Percent)
	}
	if phases[0] != PhaseConnecting {
		t.Fatalf("phases=%v, want first %s", phases, PhaseConnecting)
	}

	got, err := waitResult(t, recv)
	if err != nil {
		t.Fatalf("receive result: %v", err)
	}
	if got.Artifact == nil || !bytes.Equal(got.Artifact.Data, data) {
		t.Fatalf("received artifact does not match the sent bytes")
	}
	if got.Manifest != m {
		t.Fatalf("manifest=%+v, want %+v", got.Manifest, m)
	}
	if got.Code != code {
		t.Fatalf("code=%q, want %q", got.Code, code)
	}

	sent, err := waitResult(t, send)
	if err != nil {
		t.Fatalf("send result: %v", err)
	}
	if sent.Digest != got.Digest {
		t.Fatalf("digests differ: sender %x receiver %x", sent.Digest, got.Digest)
	}
}

func TestReceive_InvalidCodeMakesNoNetworkCall(t *testing.T) {
	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		_, err := Receive(context.Background(), Options{RelayURL: "ws://127.0.0.1:1/ws"}, code)
		if !errors.Is(err, sessioncode.ErrInvalid) {
			t.Fatalf("Receive(%q) err=%v, want %v", code, err, sessioncode.ErrInvalid)
		}
	}
}

func TestReceive_UnknownSession(t *testing.T) {
	relayURL := startRelay(t)

	a, err := Receive(context.Background(), testOptions(relayURL, nil), "000000")
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	_, err = waitResult(t, a)
	if !errors.Is(err, client.ErrSessionNotFound) {
		t.Fatalf("err=%v, want %v", err, client.ErrSessionNotFound)
	}
}

func TestSend_NoFile(t *testing.T) {
	_, err := Send(context.Background(), Options{}, transfer.Manifest{Name: "x"}, nil)
	if !errors.Is(err, transfer.ErrNoFile) {
		t.Fatalf("err=%v, want %v", err, transfer.ErrNoFile)
	}
}

func TestSend_CancelWhileWaiting(t *testing.T) {
	relayURL := startRelay(t)

	a, err := Send(context.Background(), testOptions(relayURL, nil), transfer.Manifest{Name: "a", Size: 1}, bytes.NewReader([]byte{1}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForCode(t, a)
	a.Cancel()

	_, err = a.Result()
	if !errors.Is(err, transfer.ErrCancelled) {
		t.Fatalf("err=%v, want %v", err, transfer.ErrCancelled)
	}
	var last Status
	for st := range a.Updates() {
		last = st
	}
	if last.Phase != PhaseFailed || !errors.Is(last.Err, transfer.ErrCancelled) {
		t.Fatalf("final status=%+v, want failed with %v", last, transfer.ErrCancelled)
	}
}

func TestSend_PeerLeavesBeforeChannelOpens(t *testing.T) {
	relayURL := startRelay(t)

	a, err := Send(context.Background(), testOptions(relayURL, nil), transfer.Manifest{Name: "a", Size: 1}, bytes.NewReader([]byte{1}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	code := waitForCode(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	joiner, err := client.Dial(ctx, relayURL, client.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := joiner.JoinSession(ctx, code); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	// Leave once the offer shows up.
	for ev := range joiner.Events() {
		if ev.Name == signaling.EventOffer {
			break
		}
	}
	_ = joiner.Close()

	_, err = waitResult(t, a)
	if !errors.Is(err, ErrPeerDisconnected) {
		t.Fatalf("err=%v, want %v", err, ErrPeerDisconnected)
	}
}
