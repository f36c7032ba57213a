package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/sarathi/internal/policy"
	"github.com/ent0n29/sarathi/internal/protocol"
)

const (
	wsReadLimit         = 8 << 20
	wsDefaultWriteWait  = 5 * time.Second
	wsCloseGracePeriod  = time.Second
	wsEventsBufferDepth = 64
)

// WebSocketDialer opens sessions over {host}/ws.
type WebSocketDialer struct {
	dialer websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketDialer(handshakeTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: logger.With("component", "transport.ws"),
	}
}

func (d *WebSocketDialer) Variant() string { return "ws" }

func (d *WebSocketDialer) Dial(ctx context.Context, opts ConnectOptions) (Conn, error) {
	target, err := websocketURL(opts.Host)
	if err != nil {
		return nil, &DialError{Err: err}
	}

	header := http.Header{}
	if opts.APIKey != "" {
		header.Set(protocol.HeaderAPIKey, opts.APIKey)
	}
	if opts.AuthToken != "" {
		header.Set(protocol.HeaderAuthorization, "Bearer "+opts.AuthToken)
	}
	header.Set(protocol.HeaderModality, protocol.ModalityHeader(opts.Modalities))

	ws, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
			de.Status = resp.Status
		}
		return nil, de
	}
	ws.SetReadLimit(wsReadLimit)

	c := &wsConn{
		ws:       ws,
		textOnly: protocol.TextOnly(opts.Modalities),
		events:   make(chan protocol.Event, wsEventsBufferDepth),
		closed:   make(chan struct{}),
		logger:   d.logger,
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	textOnly bool
	logger   *slog.Logger

	events chan protocol.Event
	err    error

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Events() <-chan protocol.Event { return c.events }

// Err is only meaningful once Events has been closed.
func (c *wsConn) Err() error { return c.err }

func (c *wsConn) SupportsTicketInit() bool { return true }

func (c *wsConn) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsDefaultWriteWait)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	defer c.ws.SetWriteDeadline(time.Time{})
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (c *wsConn) Heartbeat(ctx context.Context) error {
	return c.Send(ctx, protocol.NewPing())
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(wsCloseGracePeriod),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = classifyReadError(err, c.closed)
			return
		}

		var ev protocol.Event
		switch msgType {
		case websocket.TextMessage:
			ev = protocol.ParseServerEvent(data)
		case websocket.BinaryMessage:
			if c.textOnly {
				continue
			}
			ev = protocol.AudioFrameEvent(data)
		default:
			continue
		}
		if u, ok := ev.(protocol.Unknown); ok {
			c.logger.Debug("unrecognised frame", "bytes", len(u.Raw), "frame", policy.RedactFrame(policy.Truncate(string(u.Raw), 512)))
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			c.err = ErrConnClosed
			return
		}
	}
}

func classifyReadError(err error, closed <-chan struct{}) error {
	select {
	case <-closed:
		return ErrConnClosed
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return fmt.Errorf("read: %w", err)
}

// websocketURL maps a configured host onto the session endpoint.
func websocketURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty host")
	}
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}
