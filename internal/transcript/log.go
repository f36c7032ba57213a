// Package transcript keeps the conversation log and uploads it when a
// session ends.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/policy"
	"github.com/ent0n29/sarathi/internal/protocol"
	"github.com/ent0n29/sarathi/internal/reliability"
)

const (
	defaultStoreTimeout  = 5 * time.Second
	defaultUploadTimeout = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 200 * time.Millisecond
	defaultBackoffCap    = 2 * time.Second
)

// ErrNothingToUpload is returned by Upload when the log is empty or no API
// base is configured.
var ErrNothingToUpload = errors.New("transcript: nothing to upload")

// UploadError is a non-success response from the upload endpoint.
type UploadError struct {
	StatusCode int
	Detail     string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload conversation: status %d: %s", e.StatusCode, e.Detail)
}

type Options struct {
	APIBaseURL  string
	APIKey      string
	HTTPClient  *http.Client
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RedactText masks emails, phone and card numbers in text entries.
	RedactText bool
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Log records the conversation into a Store. Audio chunks are buffered per
// turn and written as one entry on flush. Store failures are logged and
// never reach the caller.
type Log struct {
	store  Store
	opts   Options
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	userAudio   []string
	botAudio    []string
	botSeen     bool
	onCleared   map[uint64]func()
	nextCleared uint64
}

var _ Recorder = (*Log)(nil)

func NewLog(store Store, opts Options) *Log {
	if store == nil {
		store = NewInMemoryStore()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultUploadTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.APIBaseURL = strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	return &Log{
		store:     store,
		opts:      opts,
		client:    client,
		logger:    logger.With("component", "transcript"),
		onCleared: make(map[uint64]func()),
	}
}

func (l *Log) AppendUserText(text string) { l.appendText(EntryUserText, text) }

func (l *Log) AppendBotText(text string) {
	if l.appendText(EntryBotText, text) {
		l.mu.Lock()
		l.botSeen = true
		l.mu.Unlock()
	}
}

func (l *Log) appendText(typ EntryType, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if l.opts.RedactText {
		text, _ = policy.RedactPII(text)
	}
	return l.append(Entry{Type: typ, Text: text})
}

func (l *Log) AppendUserAudioChunk(b64 string) {
	if b64 == "" {
		return
	}
	l.mu.Lock()
	l.userAudio = append(l.userAudio, b64)
	l.mu.Unlock()
}

// FlushUserAudioTurn writes the buffered user audio as one entry.
func (l *Log) FlushUserAudioTurn() {
	l.mu.Lock()
	chunks := l.userAudio
	l.userAudio = nil
	l.mu.Unlock()
	if len(chunks) > 0 {
		l.append(Entry{Type: EntryUserAudio, Data: strings.Join(chunks, "")})
	}
}

func (l *Log) AppendBotAudioChunk(b64 string) {
	if b64 == "" {
		return
	}
	l.mu.Lock()
	l.botAudio = append(l.botAudio, b64)
	l.mu.Unlock()
}

func (l *Log) FlushBotAudioTurn() {
	l.mu.Lock()
	chunks := l.botAudio
	l.botAudio = nil
	l.mu.Unlock()
	if len(chunks) > 0 {
		l.append(Entry{Type: EntryBotAudio, Data: strings.Join(chunks, "")})
	}
}

func (l *Log) AppendImageFrame(dataURL string) {
	if dataURL != "" {
		l.append(Entry{Type: EntryImageFrame, Data: dataURL})
	}
}

func (l *Log) AppendFile(b64, filename string) {
	if b64 != "" {
		l.append(Entry{Type: EntryFile, Data: b64, Filename: filename})
	}
}

func (l *Log) AppendItinerary(data string) {
	if strings.TrimSpace(data) != "" {
		l.append(Entry{Type: EntryItinerary, Data: data})
	}
}

func (l *Log) append(e Entry) bool {
	e.ID = uuid.NewString()
	e.Timestamp = l.opts.Now().UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
	defer cancel()
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Warn("append log entry", "type", e.Type, "error", err)
		return false
	}
	return true
}

// Entries returns the stored log in append order.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	return l.store.Entries(ctx)
}

// HasBotMessages reports whether the assistant said anything since the last
// clear.
func (l *Log) HasBotMessages(ctx context.Context) bool {
	l.mu.Lock()
	seen := l.botSeen
	l.mu.Unlock()
	if seen {
		return true
	}
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type == EntryBotText && e.Text != "" {
			l.mu.Lock()
			l.botSeen = true
			l.mu.Unlock()
			return true
		}
	}
	return false
}

// OnCleared registers fn to run after the log is cleared.
func (l *Log) OnCleared(fn func()) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextCleared++
	id := l.nextCleared
	l.onCleared[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.onCleared, id)
		l.mu.Unlock()
	}
}

// Clear drops every stored entry and pending audio.
func (l *Log) Clear(ctx context.Context) error {
	if err := l.store.Clear(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.userAudio, l.botAudio = nil, nil
	l.botSeen = false
	listeners := make([]func(), 0, len(l.onCleared))
	for _, fn := range l.onCleared {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

type uploadBody struct {
	Filename string        `json:"filename"`
	Payload  uploadPayload `json:"payload"`
}

type uploadPayload struct {
	ConversationData []Entry `json:"conversationData"`
}

// UploadFilename names an upload after its time: the ISO timestamp with ':'
// and '.' replaced by '-'.
func UploadFilename(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "conversation_" + ts + ".json"
}

// Upload sends the whole log to the upload endpoint. Retryable statuses are
// retried with capped backoff. Once the endpoint answers, the log is
// cleared even if the answer was an error; when the endpoint cannot be
// reached the log is kept for a later attempt.
func (l *Log) Upload(ctx context.Context, authToken string) error {
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	if len(entries) == 0 || l.opts.APIBaseURL == "" {
		l.opts.Metrics.Upload("skipped")
		l.logger.Info("skip upload", "entries", len(entries), "api_base", l.opts.APIBaseURL != "")
		return ErrNothingToUpload
	}

	filename := UploadFilename(l.opts.Now())
	body, err := json.Marshal(uploadBody{Filename: filename, Payload: uploadPayload{ConversationData: entries}})
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	l.logger.Info("uploading conversation", "filename", filename, "entries", len(entries))

	var lastErr error
	for attempt := 0; attempt < l.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, l.opts.BackoffBase, l.opts.BackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		status, detail, err := l.post(ctx, authToken, body)
		if err != nil {
			lastErr = err
			l.logger.Warn("upload request failed", "attempt", attempt+1, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if status >= 200 && status < 300 {
			l.opts.Metrics.Upload("ok")
			l.logger.Info("upload succeeded, clearing log", "filename", filename)
			return l.Clear(ctx)
		}
		lastErr = &UploadError{StatusCode: status, Detail: detail}
		if reliability.IsRetryableHTTPStatus(status) && attempt+1 < l.opts.MaxAttempts {
			l.logger.Warn("upload retrying", "attempt", attempt+1, "status", status)
			continue
		}
		l.opts.Metrics.Upload("rejected")
		l.logger.Warn("upload failed, clearing log", "status", status)
		if err := l.Clear(ctx); err != nil {
			l.logger.Warn("clear log", "error", err)
		}
		return lastErr
	}

	l.opts.Metrics.Upload("error")
	return fmt.Errorf("upload conversation: %w", lastErr)
}

func (l *Log) post(ctx context.Context, authToken string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.APIBaseURL+"/upload-json", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.opts.APIKey != "" {
		req.Header.Set(protocol.HeaderAPIKey, l.opts.APIKey)
	}
	if authToken != "" {
		req.Header.Set(protocol.HeaderAuthorization, "Bearer "+authToken)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, strings.TrimSpace(string(detail)), nil
}
