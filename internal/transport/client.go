package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/events"
	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/protocol"
	"github.com/ent0n29/sarathi/internal/reliability"
)

// Options tunes a Client. Zero values fall back to the mobile defaults.
type Options struct {
	HeartbeatInterval   time.Duration
	WatchdogTimeout     time.Duration
	ReconnectDelay      time.Duration
	MaxReconnectBackoff time.Duration
	SendTimeout         time.Duration
	Logger              *slog.Logger
	Metrics             *observability.Metrics
	// OnStateChange is called with the client lock held and must not call
	// back into the Client.
	OnStateChange func(state State, status string)
}

// Client is the Session Transport. It keeps one logical session alive
// across underlying reconnects until Disconnect is called.
//
// Inbound events are dispatched from a single goroutine in receive order.
// Handlers must not call Disconnect synchronously.
type Client struct {
	dialer     Dialer
	dispatcher *events.Dispatcher
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	rejected bool
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	changed  chan struct{}

	asyncErrs chan error
}

func NewClient(dialer Dialer, dispatcher *events.Dispatcher, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 60 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 300 * time.Millisecond
	}
	if opts.MaxReconnectBackoff <= 0 {
		opts.MaxReconnectBackoff = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dialer:     dialer,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With("component", "transport", "variant", dialer.Variant()),
		changed:    make(chan struct{}),
		asyncErrs:  make(chan error, 8),
	}
}

// Connect starts the session. It is a no-op while a session is already
// connecting, open or reconnecting. It does not wait for the handshake; use
// WaitOpen for that.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.rejected = false
	ticket := protocol.NewTicketInit(opts.Ticket)
	c.setStateLocked(StateConnecting)

	go c.run(runCtx, opts, ticket, c.done)
	return nil
}

// Disconnect cancels reconnection, stops timers, closes the connection and
// returns to idle. No event is dispatched after it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	if done == nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	if c.done == nil {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsOpen() bool {
	return c.State() == StateOpen
}

// Rejected reports whether the last session ended in a permanent rejection.
func (c *Client) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// StatusText is the user-facing connection status.
func (c *Client) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusText(c.state, c.rejected)
}

// WaitOpen blocks until the transport is open, the session is rejected or
// ends, or ctx is done.
func (c *Client) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, rejected, running, changed := c.state, c.rejected, c.done != nil, c.changed
		c.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case rejected:
			return ErrRejected
		case !running:
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) SendText(text string) {
	c.send(protocol.NewText(text))
}

func (c *Client) SendAudioBase64(b64 string) {
	c.send(protocol.NewAudio(b64))
}

func (c *Client) SendImageBase64(b64, contentType string) {
	c.send(protocol.NewImage(b64, contentType))
}

func (c *Client) SendPing() {
	c.send(protocol.NewPing())
}

func (c *Client) SendDisconnect() {
	c.send(protocol.NewDisconnect())
}

// send is at-most-once: nothing is queued while the transport is not open.
func (c *Client) send(msg protocol.Message) {
	msgType := string(msg.MessageType())
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		c.opts.Metrics.DroppedSend(msgType)
		c.logger.Debug("send dropped, transport not open", "type", msgType, "state", state.String())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	if err := conn.Send(ctx, msg); err != nil {
		c.opts.Metrics.TransportError(c.dialer.Variant(), "send")
		c.logger.Warn("send failed", "type", msgType, "error", err)
		c.reportAsync(err)
		return
	}
	c.opts.Metrics.Message("out", msgType)
}

func (c *Client) reportAsync(err error) {
	select {
	case c.asyncErrs <- err:
	default:
	}
}

type endKind int

const (
	endCanceled endKind = iota
	endClosed
	endWatchdog
)

func (c *Client) run(ctx context.Context, opts ConnectOptions, ticket protocol.TicketInit, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel()
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	failures := 0
	for {
		conn, err := c.dialer.Dial(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.opts.Metrics.TransportError(c.dialer.Variant(), "dial")
			if IsPermanent(err) {
				c.reject(err)
				return
			}
			c.logger.Warn("dial failed", "error", err, "attempt", failures+1)
			c.dispatchError(ctx, err)
			delay := reliability.ExponentialBackoff(failures, c.opts.ReconnectDelay, c.opts.MaxReconnectBackoff)
			failures++
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, delay) {
				return
			}
			c.opts.Metrics.Reconnect("dial_failed")
			c.setState(StateConnecting)
			continue
		}
		failures = 0

		// ticket_init goes out before the client is marked open so no caller
		// send can precede it on this connection.
		if conn.SupportsTicketInit() {
			sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
			if err := conn.Send(sendCtx, ticket); err != nil {
				c.logger.Warn("ticket_init failed", "error", err)
			} else {
				c.opts.Metrics.Message("out", string(protocol.TypeTicketInit))
			}
			cancel()
		}
		c.install(conn)

		kind, endErr := c.serve(ctx, conn)
		c.uninstall(conn)

		switch kind {
		case endCanceled:
			return
		case endWatchdog:
			c.opts.Metrics.Reconnect("watchdog")
			c.setState(StateConnecting)
		case endClosed:
			if IsPermanent(endErr) {
				c.reject(endErr)
				return
			}
			c.logger.Info("connection closed, reconnecting", "error", endErr, "delay", c.opts.ReconnectDelay)
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, c.opts.ReconnectDelay) {
				return
			}
			c.opts.Metrics.Reconnect("closed")
			c.setState(StateConnecting)
		}
	}
}

func (c *Client) serve(ctx context.Context, conn Conn) (endKind, error) {
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := time.NewTimer(c.opts.WatchdogTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return endCanceled, ctx.Err()
		case ev, ok := <-conn.Events():
			if !ok {
				return endClosed, conn.Err()
			}
			watchdog.Reset(c.opts.WatchdogTimeout)
			c.opts.Metrics.Message("in", string(ev.Kind()))
			c.dispatch(ctx, ev)
		case err := <-c.asyncErrs:
			c.dispatchError(ctx, err)
		case <-heartbeat.C:
			go c.heartbeat(ctx, conn)
		case <-watchdog.C:
			c.logger.Warn("no inbound traffic, forcing reconnect", "window", c.opts.WatchdogTimeout)
			return endWatchdog, nil
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn Conn) {
	hbCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	if err := conn.Heartbeat(hbCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.opts.Metrics.TransportError(c.dialer.Variant(), "heartbeat")
		c.logger.Warn("heartbeat failed", "error", err)
		return
	}
	c.opts.Metrics.Message("out", "heartbeat")
}

func (c *Client) install(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.setStateLocked(StateOpen)
	c.mu.Unlock()
	c.opts.Metrics.SetOpen(true)
	c.logger.Info("connection open")
}

func (c *Client) uninstall(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if err := conn.Close(); err != nil {
		c.logger.Debug("close connection", "error", err)
	}
	c.opts.Metrics.SetOpen(false)
}

func (c *Client) reject(err error) {
	c.logger.Error("connection rejected, not retrying", "error", err)
	c.mu.Lock()
	c.rejected = true
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.dispatcher.Dispatch(protocol.Error{Message: friendlyError(err)})
}

func (c *Client) dispatch(ctx context.Context, ev protocol.Event) {
	if ctx.Err() != nil {
		return
	}
	c.dispatcher.Dispatch(ev)
}

func (c *Client) dispatchError(ctx context.Context, err error) {
	c.dispatch(ctx, protocol.Error{Message: friendlyError(err)})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	if hook := c.opts.OnStateChange; hook != nil {
		hook(s, StatusText(s, c.rejected))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
