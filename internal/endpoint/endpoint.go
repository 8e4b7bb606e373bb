// Package endpoint runs one send or receive attempt end to end: it talks to
// the relay, establishes the peer channel and drives the transfer engine,
// reporting a single status stream to the caller.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/quickdrop/internal/client"
	"github.com/wilsonzlin/quickdrop/internal/config"
	"github.com/wilsonzlin/quickdrop/internal/peer"
	"github.com/wilsonzlin/quickdrop/internal/progress"
	"github.com/wilsonzlin/quickdrop/internal/sessioncode"
	"github.com/wilsonzlin/quickdrop/internal/signaling"
	"github.com/wilsonzlin/quickdrop/internal/transfer"
)

var ErrPeerDisconnected = errors.New("peer disconnected")

// receiptLinger bounds how long a receiver keeps the channel open after
// confirming receipt, so the confirmation reaches the sender.
const receiptLinger = 5 * time.Second

type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseWaiting      Phase = "waiting-for-peer"
	PhaseNegotiating  Phase = "negotiating"
	PhaseReachable    Phase = "peer-reachable"
	PhaseChannelOpen  Phase = "channel-open"
	PhaseTransferring Phase = "transferring"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

type Status struct {
	Phase    Phase
	Code     string
	Manifest transfer.Manifest
	Progress progress.Sample
	Err      error
}

type Options struct {
	RelayURL string
	// ICEServers are used as given when non-nil. Nil asks the relay's /ice
	// endpoint, falling back to the public STUN defaults.
	ICEServers []webrtc.ICEServer
	// API defaults to peer.NewAPI with zero options.
	API        *webrtc.API
	Transfer   transfer.Config
	Header     http.Header
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Result is available once Done is closed.
type Result struct {
	Code     string
	Manifest transfer.Manifest
	// Artifact is set on the receiving side.
	Artifact *transfer.Artifact
	Digest   [32]byte
}

type engine interface {
	HandleMessage(msg webrtc.DataChannelMessage)
	HandleClose()
	Cancel()
	Phase() transfer.Phase
	Err() error
}

// Attempt is one transfer attempt. Nothing survives it: a failed attempt
// needs a fresh session.
type Attempt struct {
	opts Options
	role peer.Role
	log  *slog.Logger
	clk  clock.Clock

	manifest transfer.Manifest
	src      io.ReaderAt

	updates chan Status
	done    chan struct{}
	cancel  context.CancelFunc

	xfer          chan struct{}
	channelClosed chan struct{}
	closeChannel  sync.Once

	mu       sync.Mutex
	code     string
	eng      engine
	sender   *transfer.Sender
	receiver *transfer.Receiver
	last     transfer.Update
	result   Result
	err      error

	// Owned by the run goroutine.
	client    *client.Client
	est       *peer.Establisher
	estimator *progress.Estimator
	open      bool
}

// Send starts an attempt that creates a session and sends one file.
func Send(ctx context.Context, opts Options, m transfer.Manifest, src io.ReaderAt) (*Attempt, error) {
	if src == nil {
		return nil, transfer.ErrNoFile
	}
	a := newAttempt(opts, peer.Initiator)
	a.manifest = m
	a.src = src
	a.start(ctx)
	return a, nil
}

// Receive starts an attempt that joins the session for code. The code is
// validated before any network call.
func Receive(ctx context.Context, opts Options, code string) (*Attempt, error) {
	code = sessioncode.Normalize(code)
	if err := sessioncode.Validate(code); err != nil {
		return nil, err
	}
	a := newAttempt(opts, peer.Joiner)
	a.code = code
	a.start(ctx)
	return a, nil
}

func newAttempt(opts Options, role peer.Role) *Attempt {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Attempt{
		opts:          opts,
		role:          role,
		log:           opts.Logger.With("role", role.String()),
		clk:           opts.Clock,
		updates:       make(chan Status, 64),
		done:          make(chan struct{}),
		xfer:          make(chan struct{}, 1),
		channelClosed: make(chan struct{}),
	}
}

func (a *Attempt) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
}

// Updates delivers status changes. Progress steps may be dropped when the
// reader falls behind; the final status is always delivered before the
// channel closes.
func (a *Attempt) Updates() <-chan Status { return a.updates }

func (a *Attempt) Done() <-chan struct{} { return a.done }

// Code returns the session code, empty until the relay assigned it.
func (a *Attempt) Code() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

// Result returns the outcome. It blocks until the attempt is over.
func (a *Attempt) Result() (Result, error) {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.err
}

// Cancel stops the attempt and waits for teardown. The result error is
// transfer.ErrCancelled unless the attempt had already finished.
func (a *Attempt) Cancel() {
	a.cancel()
	<-a.done
}

func (a *Attempt) run(ctx context.Context) {
	defer close(a.done)
	defer a.cancel()

	err := a.loop(ctx)
	if err == nil && a.role == peer.Joiner {
		a.linger(ctx)
	}
	a.teardown(err)

	a.mu.Lock()
	a.err = err
	a.result.Code = a.code
	st := Status{Code: a.code, Manifest: a.result.Manifest, Err: err}
	a.mu.Unlock()

	if err != nil {
		st.Phase = PhaseFailed
		a.log.Warn("transfer attempt failed", "session_code", st.Code, "err", err)
	} else {
		st.Phase = PhaseDone
		if a.estimator != nil {
			st.Progress = a.estimator.Last()
		}
		a.log.Info("transfer attempt finished", "session_code", st.Code)
	}
	a.emitFinal(st)
}

func (a *Attempt) loop(ctx context.Context) error {
	a.emit(Status{Phase: PhaseConnecting})

	c, err := client.Dial(ctx, a.opts.RelayURL, client.Options{Logger: a.opts.Logger, Header: a.opts.Header})
	if err != nil {
		return a.ctxErr(ctx, err)
	}
	a.client = c

	servers, err := a.iceServers(ctx)
	if err != nil {
		return a.ctxErr(ctx, err)
	}

	if a.role == peer.Initiator {
		code, err := c.CreateSession(ctx)
		if err != nil {
			return a.ctxErr(ctx, fmt.Errorf("create session: %w", err))
		}
		a.mu.Lock()
		a.code = code
		a.mu.Unlock()
	} else if err := c.JoinSession(ctx, a.Code()); err != nil {
		return a.ctxErr(ctx, fmt.Errorf("join session: %w", err))
	}
	a.log.Info("session ready", "session_code", a.Code(), "endpoint_id", c.ID())
	a.emit(Status{Phase: PhaseWaiting})

	est, err := peer.New(peer.Config{
		API:        a.opts.API,
		ICEServers: servers,
		Role:       a.role,
		Signaler:   c,
		Logger:     a.opts.Logger,
		OnChannel:  a.attachChannel,
	})
	if err != nil {
		return err
	}
	a.est = est

	relayEvents := c.Events()
	peerEvents := est.Events()
	for {
		select {
		case <-ctx.Done():
			return transfer.ErrCancelled

		case ev, ok := <-relayEvents:
			if !ok {
				if !a.open {
					return fmt.Errorf("%w: %v", client.ErrClosed, c.Err())
				}
				// The data channel no longer needs the relay.
				a.log.Info("relay connection closed during transfer", "err", c.Err())
				relayEvents = nil
				continue
			}
			if err := a.handleRelay(ev); err != nil {
				return err
			}

		case ev, ok := <-peerEvents:
			if !ok {
				peerEvents = nil
				continue
			}
			if err := a.handlePeer(ev); err != nil {
				return err
			}

		case <-a.xfer:
			done, err := a.handleTransfer()
			if err != nil || done {
				return err
			}
		}
	}
}

func (a *Attempt) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return transfer.ErrCancelled
	}
	return err
}

func (a *Attempt) iceServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if a.opts.ICEServers != nil {
		return a.opts.ICEServers, nil
	}
	servers, err := FetchICEServers(ctx, a.opts.HTTPClient, a.opts.RelayURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.Warn("using default ICE servers", "err", err)
		return config.DefaultICEServers(), nil
	}
	return servers, nil
}

func (a *Attempt) handleRelay(ev client.Event) error {
	switch ev.Name {
	case signaling.EventPeerConnected:
		remote := ev.PeerConnected.Receiver
		if a.role == peer.Joiner {
			remote = ev.PeerConnected.Sender
		}
		a.log.Info("peer connected", "peer_id", remote)
		return a.est.HandlePeerConnected(remote)

	case signaling.EventOffer:
		return a.negotiation(a.est.HandleOffer(ev.Negotiation.Sender, ev.Negotiation.Offer))
	case signaling.EventAnswer:
		return a.negotiation(a.est.HandleAnswer(ev.Negotiation.Sender, ev.Negotiation.Answer))
	case signaling.EventCandidate:
		return a.negotiation(a.est.HandleCandidate(ev.Negotiation.Sender, ev.Negotiation.Candidate))

	case signaling.EventPeerDisconnected:
		a.log.Info("peer disconnected from relay", "peer_id", ev.PeerDisconnected.PeerID)
		if !a.open {
			return ErrPeerDisconnected
		}
	case signaling.EventTransferStatus:
		a.log.Debug("peer transfer status", "status", string(ev.Status))
	case signaling.EventError:
		a.log.Warn("relay reported an error", "code", ev.Error.Code, "message", ev.Error.Message)
	}
	return nil
}

// negotiation keeps negotiation failures fatal; stray messages are logged.
func (a *Attempt) negotiation(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, peer.ErrNegotiationFailed) {
		return err
	}
	a.log.Debug("ignoring negotiation message", "err", err)
	return nil
}

func (a *Attempt) handlePeer(ev peer.Event) error {
	switch ev.State {
	case peer.StateConnecting:
		a.emit(Status{Phase: PhaseNegotiating})
	case peer.StateConnected:
		a.emit(Status{Phase: PhaseReachable})
	case peer.StateChannelOpen:
		a.open = true
		a.emit(Status{Phase: PhaseChannelOpen})
		return a.startTransfer()
	case peer.StateClosed:
		if ev.Err != nil {
			return ev.Err
		}
	}
	return nil
}

// attachChannel runs on a pion goroutine as soon as the data channel exists.
// Handlers are installed before the channel opens so no message is missed.
func (a *Attempt) attachChannel(dc *webrtc.DataChannel) {
	cfg := a.opts.Transfer
	cfg.Logger = a.opts.Logger
	if cfg.Clock == nil {
		cfg.Clock = a.clk
	}
	cfg.OnUpdate = a.onTransferUpdate

	a.mu.Lock()
	if a.eng != nil {
		a.mu.Unlock()
		return
	}
	if a.role == peer.Initiator {
		a.sender = transfer.NewSender(dc, cfg)
		a.eng = a.sender
	} else {
		a.receiver = transfer.NewReceiver(dc, cfg)
		a.eng = a.receiver
	}
	eng := a.eng
	a.mu.Unlock()

	dc.OnMessage(eng.HandleMessage)
	dc.OnClose(func() {
		eng.HandleClose()
		a.closeChannel.Do(func() { close(a.channelClosed) })
	})
}

func (a *Attempt) engine() engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eng
}

// onTransferUpdate runs with the engine locked; it only records the update
// and wakes the run loop.
func (a *Attempt) onTransferUpdate(u transfer.Update) {
	a.mu.Lock()
	a.last = u
	a.mu.Unlock()
	select {
	case a.xfer <- struct{}{}:
	default:
	}
}

func (a *Attempt) startTransfer() error {
	a.mu.Lock()
	sender, receiver := a.sender, a.receiver
	a.mu.Unlock()

	switch {
	case sender != nil:
		a.mu.Lock()
		a.result.Manifest = a.manifest
		a.mu.Unlock()
		a.log.Info("sending file", "name", a.manifest.Name, "size", a.manifest.Size)
		return sender.Start(a.manifest, a.src)
	case receiver != nil:
		if err := receiver.Start(); err != nil && !errors.Is(err, transfer.ErrAlreadyStarted) {
			return err
		}
		return nil
	default:
		return transfer.ErrChannelNotOpen
	}
}

func (a *Attempt) handleTransfer() (bool, error) {
	a.mu.Lock()
	u := a.last
	sender, receiver := a.sender, a.receiver
	a.mu.Unlock()

	switch u.Phase {
	case transfer.PhaseFailed:
		return false, u.Err
	case transfer.PhaseDone:
		a.progress(u)
		// Engine accessors lock the engine, so they are called without a.mu.
		var r Result
		switch {
		case receiver != nil && u.Artifact != nil:
			r.Manifest = receiver.Manifest()
			r.Artifact = u.Artifact
			r.Digest = u.Artifact.Digest
		case sender != nil:
			r.Manifest = a.manifest
			r.Digest = sender.Digest()
		}
		a.mu.Lock()
		a.result.Manifest = r.Manifest
		a.result.Artifact = r.Artifact
		a.result.Digest = r.Digest
		a.mu.Unlock()
		if a.client != nil {
			if err := a.client.SendTransferStatus(map[string]string{"state": "completed"}); err != nil {
				a.log.Debug("could not report transfer status", "err", err)
			}
		}
		return true, nil
	}
	a.progress(u)
	return false, nil
}

func (a *Attempt) progress(u transfer.Update) {
	if u.Total == 0 && u.Transferred == 0 && u.Phase != transfer.PhaseDone {
		return
	}
	if a.estimator == nil || a.estimator.Last().Total != u.Total {
		a.estimator = progress.New(a.clk, u.Total, progress.DefaultInterval)
	}
	sample, _ := a.estimator.Update(u.Transferred)

	a.mu.Lock()
	m, receiver := a.result.Manifest, a.receiver
	a.mu.Unlock()
	if receiver != nil {
		m = receiver.Manifest()
	}
	a.emit(Status{Phase: PhaseTransferring, Manifest: m, Progress: sample})
}

// linger gives the file-received confirmation time to reach the sender,
// which closes the connection once it arrives.
func (a *Attempt) linger(ctx context.Context) {
	timer := a.clk.Timer(receiptLinger)
	defer timer.Stop()
	select {
	case <-a.channelClosed:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (a *Attempt) teardown(err error) {
	if eng := a.engine(); eng != nil && errors.Is(err, transfer.ErrCancelled) {
		eng.Cancel()
	}
	if a.est != nil {
		_ = a.est.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	a.mu.Lock()
	a.src = nil
	a.mu.Unlock()
}

func (a *Attempt) emit(st Status) {
	if st.Code == "" {
		st.Code = a.Code()
	}
	select {
	case a.updates <- st:
	default:
	}
}

// emitFinal makes room for the last status if the reader fell behind, then
// closes the stream.
func (a *Attempt) emitFinal(st Status) {
	for {
		select {
		case a.updates <- st:
			close(a.updates)
			return
		default:
		}
		select {
		case <-a.updates:
		default:
		}
	}
}
