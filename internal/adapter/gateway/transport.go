// Package gateway implements the websocket connection to the gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"gatewayd/internal/domain"
	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/metrics"
)

// Gateway send budget: 120 envelopes per 60 seconds per connection.
const (
	defaultSendBudget = 120
	defaultSendWindow = 60 * time.Second

	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 16 << 20 // READY and GUILD_CREATE can be large
)

// Options configures a Transport.
type Options struct {
	URL          string
	Version      int
	UserAgent    string
	WriteTimeout time.Duration
	SendBudget   int
	SendWindow   time.Duration
	ReadLimit    int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// connection is one dialed websocket and its read goroutine.
type connection struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the read goroutine exits
	alive  atomic.Bool
}

// Transport is a domain.Transport over nhooyr.io/websocket. Inbound
// envelopes are decoded with wsjson and handed to the MessageFunc from a
// single read goroutine per connection.
type Transport struct {
	opts      Options
	onMessage domain.MessageFunc
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	conn      *connection
	running   bool
	resumeURL string
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport creates a Transport that delivers inbound envelopes to fn.
func NewTransport(opts Options, fn domain.MessageFunc) *Transport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SendBudget <= 0 {
		opts.SendBudget = defaultSendBudget
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = defaultSendWindow
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	every := opts.SendWindow / time.Duration(opts.SendBudget)
	return &Transport{
		opts:      opts,
		onMessage: fn,
		limiter:   rate.NewLimiter(rate.Every(every), opts.SendBudget),
		logger:    logger.OrDiscard(opts.Logger).With("component", "gateway"),
		metrics:   opts.Metrics,
	}
}

// SetResumeURL makes subsequent dials use u instead of the configured URL.
// An empty u restores the configured URL.
func (t *Transport) SetResumeURL(u string) {
	t.mu.Lock()
	t.resumeURL = u
	t.mu.Unlock()
}

// DialURL returns the URL the next Open dials, with the protocol version
// and encoding query parameters applied.
func (t *Transport) DialURL() (string, error) {
	t.mu.Lock()
	base := t.opts.URL
	if t.resumeURL != "" {
		base = t.resumeURL
	}
	t.mu.Unlock()
	return dialURL(base, t.opts.Version)
}

func dialURL(base string, version int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	if version > 0 {
		q.Set("v", strconv.Itoa(version))
	}
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the gateway and starts the read goroutine.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("%w: transport already open", domain.ErrSessionState)
	}

	base := t.opts.URL
	if t.resumeURL != "" {
		base = t.resumeURL
	}
	target, err := dialURL(base, t.opts.Version)
	if err != nil {
		return err
	}

	dialOpts := &websocket.DialOptions{HTTPClient: t.opts.HTTPClient}
	if t.opts.UserAgent != "" {
		dialOpts.HTTPHeader = http.Header{"User-Agent": []string{t.opts.UserAgent}}
	}
	ws, _, err := websocket.Dial(ctx, target, dialOpts)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, base, err)
	}
	ws.SetReadLimit(t.opts.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     newConnID(),
		ws:     ws,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	t.conn = c
	t.running = true

	t.logger.Info("gateway connected", "conn_id", c.id, "url", base)
	go t.readLoop(c)
	return nil
}

func (t *Transport) readLoop(c *connection) {
	defer close(c.done)
	defer c.alive.Store(false)
	for {
		var env domain.Envelope
		if err := wsjson.Read(c.ctx, c.ws, &env); err != nil {
			if c.ctx.Err() == nil {
				t.logger.Warn("gateway connection lost",
					"conn_id", c.id,
					"close_status", int(websocket.CloseStatus(err)),
					"error", err,
				)
			}
			return
		}
		t.metrics.EnvelopeReceived(env.Op.String())
		t.onMessage(c.ctx, env)
	}
}

// Close tears the connection down and waits for the read goroutine to
// exit. It is a no-op when the transport is not running.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.running = false
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	c.cancel()
	// A non-1000 close keeps the server-side session resumable.
	err := c.ws.Close(websocket.StatusCode(4000), "reconnecting")
	<-c.done
	t.logger.Info("gateway disconnected", "conn_id", c.id)

	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) && !errors.Is(err, context.Canceled) {
		t.logger.Debug("gateway close", "conn_id", c.id, "error", err)
	}
	return nil
}

// Restart closes the current connection and dials a new one.
func (t *Transport) Restart(ctx context.Context) error {
	if err := t.Close(); err != nil {
		return err
	}
	return t.Open(ctx)
}

// Send writes env, waiting for the send budget first.
func (t *Transport) Send(ctx context.Context, env domain.Envelope) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return domain.ErrNotConnected
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.ws, env); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrTransport, env.Op, err)
	}
	t.metrics.EnvelopeSent(env.Op.String())
	return nil
}

// Running reports whether Open succeeded and Close has not been called since.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Alive reports whether the current connection is still being read.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	return c != nil && c.alive.Load()
}

// ConnID returns the id of the current connection, or "" when closed.
func (t *Transport) ConnID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.id
}

func newConnID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
