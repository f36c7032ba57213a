// Package transport owns the persistent session connection: dialing,
// heartbeat, watchdog, reconnection and fire-and-forget sends.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/sarathi/internal/protocol"
	"github.com/ent0n29/sarathi/internal/reliability"
)

// State is the lifecycle state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrRejected     = errors.New("connection rejected by server")
	ErrNotConnected = errors.New("transport is not connected")
	ErrConnClosed   = errors.New("connection closed")
	ErrUnsupported  = errors.New("message not supported by this transport")
)

// ConnectOptions carries everything needed to open a session.
type ConnectOptions struct {
	Host               string
	APIKey             string
	AuthToken          string
	Modalities         []protocol.Modality
	SystemInstructions string
	Ticket             protocol.TicketOptions
}

// Dialer opens one underlying connection.
type Dialer interface {
	Dial(ctx context.Context, opts ConnectOptions) (Conn, error)
	Variant() string
}

// Conn is a single underlying connection. Events is closed when the
// connection ends; Err then reports why.
type Conn interface {
	Events() <-chan protocol.Event
	Err() error
	Send(ctx context.Context, msg protocol.Message) error
	Heartbeat(ctx context.Context) error
	SupportsTicketInit() bool
	Close() error
}

// DialError is a failed handshake. StatusCode is 0 when no HTTP response
// was received.
type DialError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *DialError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("dial failed (%s): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// CloseError is a server-initiated close with a reason.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed by server (code %d): %s", e.Code, e.Reason)
}

// IsPermanent reports whether err means the server refused the session.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var de *DialError
	if errors.As(err, &de) {
		return reliability.IsPermanentRejection(de.StatusCode, "")
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return reliability.IsPermanentRejection(0, ce.Reason)
	}
	return false
}

// StatusText renders a short human-readable status for indicators.
func StatusText(s State, rejected bool) string {
	if rejected {
		return "Connection rejected"
	}
	switch s {
	case StateConnecting:
		return "Connecting..."
	case StateOpen:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting..."
	case StateClosing:
		return "Disconnecting..."
	default:
		return "Disconnected"
	}
}

// friendlyError turns a transport failure into text safe to show a user.
func friendlyError(err error) string {
	var de *DialError
	if errors.As(err, &de) {
		switch {
		case de.StatusCode == 401:
			return "Session expired. Please sign in again."
		case de.StatusCode == 403:
			return "Access denied by the server."
		case de.StatusCode >= 500:
			return "Server is unavailable. Retrying..."
		}
	}
	var ce *CloseError
	if errors.As(err, &ce) && strings.Contains(ce.Reason, "403") {
		return "Access denied by the server."
	}
	return "Connection lost. Reconnecting..."
}
