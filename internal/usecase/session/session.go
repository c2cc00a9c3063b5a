// Package session drives the gateway session: the handshake, the heartbeat,
// sequence tracking and reconnects over a domain.Transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"gatewayd/internal/domain"
	"gatewayd/internal/infra/config"
	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/metrics"
)

const (
	inboxSize    = 64
	storeTimeout = 5 * time.Second
)

// Dispatcher receives DISPATCH envelopes in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, env domain.Envelope) error
}

// IdentifyLimiter gates IDENTIFY sends across shards.
type IdentifyLimiter interface {
	Wait(ctx context.Context, shardID int) error
}

// resumeURLSetter is implemented by transports that can dial the resume
// URL handed out in READY.
type resumeURLSetter interface {
	SetResumeURL(u string)
}

// TransportFactory builds the transport a session runs on. fn is the
// session's inbound entry point.
type TransportFactory func(fn domain.MessageFunc) domain.Transport

// Options configures a Session.
type Options struct {
	Token          string
	Intents        discordgo.Intent
	ShardID        int
	ShardCount     int
	LargeThreshold int
	Properties     domain.IdentifyProperties

	RequireAck bool
	Reconnect  config.ReconnectConfig

	Dispatcher   Dispatcher
	IdentifyGate IdentifyLimiter
	Store        domain.IdentityStore
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// OptionsFromConfig maps the gateway config section onto Options.
func OptionsFromConfig(cfg config.GatewayConfig) (Options, error) {
	intents, err := config.ParseIntents(cfg.Intents)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Token:          cfg.Token,
		Intents:        intents,
		ShardID:        cfg.ShardID,
		ShardCount:     cfg.ShardCount,
		LargeThreshold: cfg.LargeThreshold,
		RequireAck:     cfg.Heartbeat.RequireAck,
		Reconnect:      cfg.Reconnect,
	}, nil
}

type inbound struct {
	ctx context.Context // connection the envelope arrived on
	env domain.Envelope
}

// lifecycle is one Start..teardown run of the session.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Session is the gateway session state machine. All inbound envelopes are
// handled on a single receive loop, so handlers never race each other.
type Session struct {
	opts      Options
	transport domain.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	inbox   chan inbound
	zombie  chan struct{}
	dropped chan struct{}

	// connMu serializes transport Open/Close/Restart.
	connMu sync.Mutex

	mu       sync.Mutex
	state    State
	identity domain.Identity
	status   *discordgo.UpdateStatusData
	pending  bool   // status not yet on the wire
	conn     uint64 // bumped by every Restart
	awaitAck bool
	lastAck  time.Time
	hb       *heartbeat
	lc       *lifecycle
	last     *lifecycle
	rng      *rand.Rand
}

// New creates a Session in the Idle state on the transport built by newTransport.
func New(newTransport TransportFactory, opts Options) *Session {
	if opts.Properties == (domain.IdentifyProperties{}) {
		opts.Properties = domain.IdentifyProperties{OS: runtime.GOOS, Browser: "gatewayd", Device: "gatewayd"}
	}
	s := &Session{
		opts:    opts,
		logger:  logger.OrDiscard(opts.Logger).With("component", "session", "shard", opts.ShardID),
		metrics: opts.Metrics,
		inbox:   make(chan inbound, inboxSize),
		zombie:  make(chan struct{}, 1),
		dropped: make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.transport = newTransport(s.deliver)
	s.metrics.SessionState(opts.ShardID, StateIdle.String(), allStates())
	return s
}

// deliver is the transport's MessageFunc. It blocks until the receive loop
// takes the envelope or the connection goes away.
func (s *Session) deliver(ctx context.Context, env domain.Envelope) {
	select {
	case s.inbox <- inbound{ctx: ctx, env: env}:
	case <-ctx.Done():
	}
}

// Start opens the transport and starts the receive loop. sessionID and seq
// seed the identity; when sessionID is empty and a store is configured the
// persisted identity is used instead.
func (s *Session) Start(ctx context.Context, sessionID string, seq *int64) error {
	s.mu.Lock()
	if s.state != StateIdle || s.lc != nil {
		st := s.state
		s.mu.Unlock()
		return domain.NewDomainError("Session.Start", domain.ErrSessionState, fmt.Sprintf("cannot start from %s", st))
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.metrics.SessionState(s.opts.ShardID, StateConnecting.String(), allStates())

	id := domain.Identity{SessionID: sessionID, Seq: cloneSeq(seq)}
	if sessionID == "" && s.opts.Store != nil {
		stored, err := s.opts.Store.Load(ctx, s.opts.ShardID)
		if err != nil {
			s.logger.Warn("load persisted identity", "error", err)
		} else if stored.SessionID != "" {
			id = stored
			s.logger.Info("loaded persisted identity", "session_id", id.SessionID)
		}
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	if rs, ok := s.transport.(resumeURLSetter); ok {
		rs.SetResumeURL(id.ResumeURL)
	}

	s.connMu.Lock()
	err := s.transport.Open(ctx)
	s.connMu.Unlock()
	if err != nil {
		s.setState(StateIdle)
		return domain.WrapOp("Session.Start", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lc := &lifecycle{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.lc = lc
	s.last = lc
	s.mu.Unlock()
	s.setState(StateAwaitingHello)

	var supervisor chan struct{}
	if s.opts.Reconnect.Enabled {
		supervisor = make(chan struct{})
		go s.supervise(runCtx, supervisor)
	}
	go s.run(lc, supervisor)
	return nil
}

// Close stops the session and waits for teardown. It is a no-op on an idle
// session.
func (s *Session) Close() error {
	s.mu.Lock()
	lc := s.lc
	if lc != nil && s.state != StateClosing {
		s.state = StateClosing
	}
	s.mu.Unlock()
	if lc == nil {
		return nil
	}
	s.metrics.SessionState(s.opts.ShardID, StateClosing.String(), allStates())
	lc.cancel()
	<-lc.done
	return nil
}

// Done is closed when the current (or last) run of the session ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.last.done
}

// Wait blocks until the session ends and returns the fatal error that ended
// it, or nil after Close.
func (s *Session) Wait() error {
	<-s.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.err
}

// Restart cancels the heartbeat, closes the connection and opens a new one.
// Envelopes still queued from the old connection are discarded. The
// identity is kept so the next HELLO resumes.
func (s *Session) Restart(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if st := s.State(); st == StateIdle || st == StateClosing {
		return domain.NewDomainError("Session.Restart", domain.ErrSessionClosed, "session is "+st.String())
	}
	s.mu.Lock()
	s.conn++
	s.mu.Unlock()
	s.stopHeartbeat()
	select {
	case <-s.zombie:
	default:
	}

	s.mu.Lock()
	resumeURL := s.identity.ResumeURL
	s.mu.Unlock()
	if rs, ok := s.transport.(resumeURLSetter); ok {
		rs.SetResumeURL(resumeURL)
	}

	s.setState(StateConnecting)
	if err := s.transport.Restart(ctx); err != nil {
		return domain.WrapOp("Session.Restart", err)
	}
	s.setState(StateAwaitingHello)
	return nil
}

// Send writes env on the current connection.
func (s *Session) Send(ctx context.Context, env domain.Envelope) error {
	if s.State() == StateIdle {
		return domain.ErrNotConnected
	}
	return s.transport.Send(ctx, env)
}

// SetStatus updates the presence. While the session is Active it is sent
// right away. Otherwise it is carried by the next IDENTIFY, or sent as a
// STATUS_UPDATE right after the next RESUME.
func (s *Session) SetStatus(ctx context.Context, status discordgo.UpdateStatusData) error {
	s.mu.Lock()
	st := status
	s.status = &st
	active := s.state == StateActive
	s.pending = !active
	s.mu.Unlock()
	if !active {
		return nil
	}
	return s.sendStatus(ctx, status)
}

func (s *Session) sendStatus(ctx context.Context, status discordgo.UpdateStatusData) error {
	env, err := domain.NewEnvelope(domain.OpStatusUpdate, status)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, env); err != nil {
		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// flushStatus sends a status set while the session was not Active.
func (s *Session) flushStatus(ctx context.Context) {
	s.mu.Lock()
	if !s.pending || s.status == nil {
		s.mu.Unlock()
		return
	}
	status := *s.status
	s.pending = false
	s.mu.Unlock()
	if err := s.sendStatus(ctx, status); err != nil {
		s.logger.Warn("send pending status", "error", err)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns a copy of the current session identity.
func (s *Session) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.identity
	id.Seq = cloneSeq(id.Seq)
	return id
}

// LastAck returns when the last HEARTBEAT_ACK arrived.
func (s *Session) LastAck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.stateChanged(prev, st)
}

// setStateOn moves to st only while conn is the current connection.
func (s *Session) setStateOn(conn uint64, st State) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.stateChanged(prev, st)
	return true
}

func (s *Session) current(conn uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Session) stateChanged(prev, st State) {
	if prev != st {
		s.logger.Debug("session state", "from", prev.String(), "to", st.String())
	}
	s.metrics.SessionState(s.opts.ShardID, st.String(), allStates())
}

// run is the receive loop. Teardown always happens here, whether the loop
// ended through Close or a fatal error.
func (s *Session) run(lc *lifecycle, supervisor chan struct{}) {
	err := s.loop(lc.ctx)
	if err != nil {
		s.logger.Error("session failed", "error", err, "code", string(domain.ErrorCodeOf(err)))
	}

	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()
	s.metrics.SessionState(s.opts.ShardID, StateClosing.String(), allStates())

	lc.cancel()
	if supervisor != nil {
		<-supervisor
	}
	s.stopHeartbeat()

	s.connMu.Lock()
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Warn("close transport", "error", cerr)
	}
	s.connMu.Unlock()
	s.drainInbox()
	s.persist()

	s.mu.Lock()
	s.lc = nil
	lc.err = err
	s.mu.Unlock()
	s.setState(StateIdle)
	close(lc.done)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-s.inbox:
			if in.ctx.Err() != nil {
				// Queued before its connection was closed.
				continue
			}
			if err := s.handle(ctx, in); err != nil {
				return err
			}

		case <-s.zombie:
			s.logger.Warn("heartbeat not acknowledged, reconnecting")
			s.metrics.Reconnect("zombie")
			if err := s.recover(ctx, s.Restart(ctx)); err != nil {
				return err
			}

		case <-s.dropped:
			s.logger.Warn("gateway connection dropped, reconnecting")
			s.metrics.Reconnect("dropped")
			if err := s.recover(ctx, errConnectionLost); err != nil {
				return err
			}
		}
	}
}

var errConnectionLost = errors.New("connection lost")

// handle runs one envelope under a context that ends with either its
// connection or the session.
func (s *Session) handle(runCtx context.Context, in inbound) error {
	ctx, cancel := context.WithCancel(in.ctx)
	stop := context.AfterFunc(runCtx, cancel)
	err := s.HandleEnvelope(ctx, in.env)
	stop()
	cancel()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrProtocolCompat):
		return err
	case runCtx.Err() != nil:
		return nil
	}
	if s.transport.Running() {
		// The connection is still up; a dropped one is caught by the supervisor.
		s.logger.Warn("handle envelope", "op", in.env.Op.String(), "error", err)
		return nil
	}
	return s.recover(runCtx, err)
}

// recover reconnects after cause left the session without a connection.
// Without supervision the cause is fatal.
func (s *Session) recover(ctx context.Context, cause error) error {
	if cause == nil {
		return nil
	}
	if !s.opts.Reconnect.Enabled {
		return cause
	}
	for attempt := 1; ; attempt++ {
		delay := nextBackoffDelay(s.opts.Reconnect, attempt, s.rng)
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "cause", cause)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		err := s.Restart(ctx)
		if err == nil {
			select {
			case <-s.dropped:
			default:
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		cause = err
	}
}

// supervise polls the transport and reports a running but dead connection
// to the receive loop.
func (s *Session) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := s.opts.Reconnect.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.transport.Running() && !s.transport.Alive() {
				select {
				case s.dropped <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (s *Session) drainInbox() {
	for {
		select {
		case <-s.inbox:
		default:
			return
		}
	}
}

// persist saves the latest identity when a store is configured.
func (s *Session) persist() {
	if s.opts.Store == nil {
		return
	}
	id := s.Identity()
	if id.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.opts.Store.Save(ctx, s.opts.ShardID, id); err != nil {
		s.logger.Warn("persist identity", "error", err)
	}
}

func cloneSeq(seq *int64) *int64 {
	if seq == nil {
		return nil
	}
	v := *seq
	return &v
}
