package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/sarathi/internal/policy"
	"github.com/ent0n29/sarathi/internal/protocol"
)

const sseMaxLine = 4 * 1024 * 1024

// SSEDialer opens sessions the web way: POST /connect, then a long-lived
// GET /stream_responses read as server-sent events, with every outbound
// message sent as its own POST.
type SSEDialer struct {
	client *http.Client
	stream *http.Client
	logger *slog.Logger
}

func NewSSEDialer(requestTimeout time.Duration, logger *slog.Logger) *SSEDialer {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEDialer{
		client: &http.Client{Timeout: requestTimeout},
		stream: &http.Client{},
		logger: logger.With("component", "transport.sse"),
	}
}

func (d *SSEDialer) Variant() string { return "sse" }

type connectRequest struct {
	ResponseModalities []protocol.Modality `json:"response_modalities"`
	SystemInstructions string              `json:"system_instructions,omitempty"`
}

func (d *SSEDialer) Dial(ctx context.Context, opts ConnectOptions) (Conn, error) {
	base, err := httpBaseURL(opts.Host)
	if err != nil {
		return nil, &DialError{Err: err}
	}
	modalities := opts.Modalities
	if len(modalities) == 0 {
		modalities = []protocol.Modality{protocol.ModalityAudio}
	}

	c := &sseConn{
		base:     base,
		opts:     opts,
		client:   d.client,
		textOnly: protocol.TextOnly(opts.Modalities),
		events:   make(chan protocol.Event, wsEventsBufferDepth),
		closed:   make(chan struct{}),
		logger:   d.logger,
	}

	if err := c.post(ctx, "/connect", connectRequest{
		ResponseModalities: modalities,
		SystemInstructions: opts.SystemInstructions,
	}); err != nil {
		return nil, err
	}

	streamURL, err := url.Parse(base + "/stream_responses")
	if err != nil {
		return nil, &DialError{Err: err}
	}
	q := streamURL.Query()
	if opts.AuthToken != "" {
		q.Set("token", opts.AuthToken)
	}
	if opts.APIKey != "" {
		q.Set("api_key", opts.APIKey)
	}
	streamURL.RawQuery = q.Encode()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		cancel()
		return nil, &DialError{Err: err}
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")

	// Stop waiting for the stream headers if the dial context ends first.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := d.stream.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, &DialError{Err: err}
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, &DialError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Err:        fmt.Errorf("unexpected stream response %q", resp.Header.Get("Content-Type")),
		}
	}

	c.cancelStream = cancel
	go c.readLoop(resp.Body)
	return c, nil
}

type sseConn struct {
	base     string
	opts     ConnectOptions
	client   *http.Client
	textOnly bool
	logger   *slog.Logger

	events chan protocol.Event
	err    error

	cancelStream context.CancelFunc
	closed       chan struct{}
	closeOnce    sync.Once
}

func (c *sseConn) Events() <-chan protocol.Event { return c.events }

func (c *sseConn) Err() error { return c.err }

// SupportsTicketInit is false: the web backend takes no session metadata.
func (c *sseConn) SupportsTicketInit() bool { return false }

func (c *sseConn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	switch m := msg.(type) {
	case protocol.Text:
		return c.post(ctx, "/send_text", map[string]string{"text": m.Text})
	case protocol.Audio:
		return c.post(ctx, "/send_audio", map[string]string{"audio_data": m.AudioData})
	case protocol.Image:
		return c.post(ctx, "/send_image", map[string]string{"image_data": m.ImageData, "content_type": m.ContentType})
	case protocol.Disconnect:
		return c.post(ctx, "/disconnect", struct{}{})
	case protocol.Ping:
		return c.Heartbeat(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.MessageType())
	}
}

// Heartbeat checks backend health; the stream itself carries no pings.
func (c *sseConn) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: %s", resp.Status)
	}
	return nil
}

// Close ends the stream and tells the backend to release the session.
func (c *sseConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancelStream()
		ctx, cancel := context.WithTimeout(context.Background(), wsCloseGracePeriod)
		defer cancel()
		err = c.post(ctx, "/disconnect", struct{}{})
	})
	return err
}

func (c *sseConn) authorize(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set(protocol.HeaderAPIKey, c.opts.APIKey)
	}
	if c.opts.AuthToken != "" {
		req.Header.Set(protocol.HeaderAuthorization, "Bearer "+c.opts.AuthToken)
	}
}

func (c *sseConn) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &DialError{Err: fmt.Errorf("POST %s: %w", path, err)}
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DialError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Err:        fmt.Errorf("POST %s: %s", path, strings.TrimSpace(string(detail))),
		}
	}
	return nil
}

func (c *sseConn) readLoop(body io.ReadCloser) {
	defer close(c.events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLine)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		ev := protocol.ParseServerEvent([]byte(payload))
		switch e := ev.(type) {
		case protocol.AudioChunk:
			if c.textOnly {
				return true
			}
		case protocol.Unknown:
			c.logger.Debug("unrecognised frame", "bytes", len(e.Raw), "frame", policy.RedactFrame(policy.Truncate(string(e.Raw), 512)))
		}
		select {
		case c.events <- ev:
			return true
		case <-c.closed:
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				c.err = ErrConnClosed
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if !flush() {
		c.err = ErrConnClosed
		return
	}

	select {
	case <-c.closed:
		c.err = ErrConnClosed
		return
	default:
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.err = fmt.Errorf("stream: %w", err)
		return
	}
	c.err = io.EOF
}

// httpBaseURL maps a configured host onto its HTTP origin.
func httpBaseURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty host")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// NewDialer picks the dialer for a configured transport variant.
func NewDialer(variant string, handshakeTimeout time.Duration, logger *slog.Logger) (Dialer, error) {
	switch variant {
	case "ws", "":
		return NewWebSocketDialer(handshakeTimeout, logger), nil
	case "sse":
		return NewSSEDialer(handshakeTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport variant %q", variant)
	}
}
