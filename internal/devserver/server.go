// Package devserver is a loopback conversation backend speaking both wire
// variants. It backs the transport tests and `sarathi devserver`.
package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/protocol"
)

const (
	peerOutboundDepth = 256
	wsReadLimit       = 8 << 20
	writeWait         = 10 * time.Second
)

type Config struct {
	// APIKey, when set, must match the x-api-key header or api_key query.
	APIKey string
	// Token, when set, must match the bearer token or token query.
	Token string
	// BinaryAudio sends assistant audio as binary websocket frames.
	BinaryAudio bool
	Responder   Responder
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Upload is one body received on /upload-json.
type Upload struct {
	Filename   string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

type Server struct {
	cfg       Config
	responder Responder
	logger    *slog.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	mu           sync.Mutex
	peers        map[*peer]struct{}
	sse          map[string]*peer
	handshakes   int
	rejectStatus int
	uploadStatus int
	silent       bool
	tickets      []protocol.TicketInit
	received     []protocol.Message
	uploads      []Upload
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	responder := cfg.Responder
	if responder == nil {
		responder = Echo{}
	}
	return &Server{
		cfg:       cfg,
		responder: responder,
		logger:    logger.With("component", "devserver"),
		metrics:   cfg.Metrics,
		peers:     make(map[*peer]struct{}),
		sse:       make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Native clients omit Origin; the dev server only listens locally.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/ws", s.handleWS)

	r.Post("/connect", s.handleConnect)
	r.Get("/stream_responses", s.handleStream)
	r.Post("/send_text", s.handleSendText)
	r.Post("/send_audio", s.handleSendAudio)
	r.Post("/send_image", s.handleSendImage)
	r.Post("/disconnect", s.handleDisconnect)

	r.Post("/upload-json", s.handleUpload)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	active := len(s.peers)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_peers": active,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if status, reason := s.admit(r); status != 0 {
		respondError(w, status, "rejected", reason)
		return
	}
	modalities := r.Header.Get(protocol.HeaderModality)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := newPeer("ws", authKey(r), modalities == string(protocol.ModalityText))
	s.addPeer(p)
	defer s.removePeer(p)
	s.logger.Info("websocket peer connected", "peer", p.id, "modalities", modalities)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, p)
		cancel()
	}()

	p.push(protocol.Connected{})

	conn.SetReadLimit(wsReadLimit)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			p.push(protocol.Error{Message: "invalid client message: " + err.Error()})
			continue
		}
		s.record(msg)
		if _, ok := msg.(protocol.Disconnect); ok {
			break
		}
		s.handle(ctx, p, msg)
	}

	cancel()
	p.stop()
	<-writerDone
	s.logger.Info("websocket peer disconnected", "peer", p.id)
}

// writeLoop keeps websocket writes single-threaded.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case req := <-p.closeReq:
			if !req.abrupt {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(req.code, req.reason),
					time.Now().Add(time.Second))
			}
			_ = conn.Close()
			return
		case ev := <-p.out:
			if s.isSilent() {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeEvent(conn, ev); err != nil {
				s.logger.Warn("websocket write failed", "peer", p.id, "error", err)
				return
			}
			s.metrics.Message("out", string(ev.Kind()))
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev protocol.Event) error {
	if audio, ok := ev.(protocol.AudioChunk); ok && s.cfg.BinaryAudio {
		pcm, err := base64.StdEncoding.DecodeString(audio.AudioData)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, pcm)
	}
	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

type connectRequest struct {
	ResponseModalities []protocol.Modality `json:"response_modalities"`
	SystemInstructions string              `json:"system_instructions"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if status, reason := s.admit(r); status != 0 {
		respondError(w, status, "rejected", reason)
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	key := authKey(r)
	p := newPeer("sse", key, protocol.TextOnly(req.ResponseModalities))
	s.mu.Lock()
	if old := s.sse[key]; old != nil {
		old.stop()
		delete(s.peers, old)
	}
	s.sse[key] = p
	s.mu.Unlock()

	s.logger.Info("sse session created", "peer", p.id, "modalities", req.ResponseModalities)
	respondJSON(w, http.StatusOK, map[string]string{"status": "connected", "session_id": p.id})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if status, reason := s.authorize(r); status != 0 {
		respondError(w, status, "rejected", reason)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "no_streaming", "response writer cannot stream")
		return
	}
	p := s.ssePeer(r)
	if p == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "call /connect first")
		return
	}
	s.addPeer(p)
	defer s.removePeer(p)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	p.push(protocol.Connected{})
	for {
		select {
		case <-r.Context().Done():
			return
		case <-p.done:
			return
		case <-p.closeReq:
			return
		case ev := <-p.out:
			if s.isSilent() {
				continue
			}
			payload, err := protocol.EncodeEvent(ev)
			if err != nil {
				s.logger.Warn("encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			s.metrics.Message("out", string(ev.Kind()))
		}
	}
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.deliverSSE(w, r, protocol.NewText(body.Text))
}

func (s *Server) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioData string `json:"audio_data"`
	}
	if err := decodeJSON(r, &body); err != nil || body.AudioData == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio_data is required")
		return
	}
	s.deliverSSE(w, r, protocol.NewAudio(body.AudioData))
}

func (s *Server) handleSendImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImageData   string `json:"image_data"`
		ContentType string `json:"content_type"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ImageData == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "image_data is required")
		return
	}
	s.deliverSSE(w, r, protocol.NewImage(body.ImageData, body.ContentType))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if status, reason := s.authorize(r); status != 0 {
		respondError(w, status, "rejected", reason)
		return
	}
	key := authKey(r)
	s.mu.Lock()
	p := s.sse[key]
	delete(s.sse, key)
	s.mu.Unlock()
	s.record(protocol.NewDisconnect())
	if p != nil {
		p.stop()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) deliverSSE(w http.ResponseWriter, r *http.Request, msg protocol.Message) {
	if status, reason := s.authorize(r); status != 0 {
		respondError(w, status, "rejected", reason)
		return
	}
	p := s.ssePeer(r)
	if p == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "no active session")
		return
	}
	s.record(msg)
	s.handle(r.Context(), p, msg)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	Filename string          `json:"filename"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if status, reason := s.authorize(r); status != 0 {
		s.metrics.Upload("rejected")
		respondError(w, status, "rejected", reason)
		return
	}
	s.mu.Lock()
	forced := s.uploadStatus
	s.mu.Unlock()
	if forced != 0 {
		s.metrics.Upload("forced_failure")
		respondError(w, forced, "upload_failed", http.StatusText(forced))
		return
	}

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Filename) == "" || len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "filename and payload are required")
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{Filename: req.Filename, Payload: req.Payload, ReceivedAt: time.Now().UTC()})
	s.mu.Unlock()
	s.metrics.Upload("ok")
	s.logger.Info("conversation uploaded", "filename", req.Filename, "bytes", len(req.Payload))
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "filename": req.Filename})
}

func (s *Server) handle(ctx context.Context, p *peer, msg protocol.Message) {
	s.metrics.Message("in", string(msg.MessageType()))
	switch m := msg.(type) {
	case protocol.Ping:
		p.push(protocol.Pong{})
		return
	case protocol.TicketInit:
		s.mu.Lock()
		s.tickets = append(s.tickets, m)
		s.mu.Unlock()
	}
	s.responder.Respond(ctx, msg, func(ev protocol.Event) {
		if _, ok := ev.(protocol.AudioChunk); ok && p.textOnly {
			return
		}
		p.push(ev)
	})
}

// admit gates a new session: credentials first, then any forced rejection.
func (s *Server) admit(r *http.Request) (int, string) {
	s.mu.Lock()
	s.handshakes++
	forced := s.rejectStatus
	s.mu.Unlock()
	if status, reason := s.authorize(r); status != 0 {
		return status, reason
	}
	if forced != 0 {
		return forced, http.StatusText(forced)
	}
	return 0, ""
}

func (s *Server) authorize(r *http.Request) (int, string) {
	apiKey, token := credentials(r)
	if s.cfg.APIKey != "" {
		if apiKey == "" {
			return http.StatusUnauthorized, "missing api key"
		}
		if apiKey != s.cfg.APIKey {
			return http.StatusForbidden, "invalid api key"
		}
	}
	if s.cfg.Token != "" && token != s.cfg.Token {
		return http.StatusUnauthorized, "invalid token"
	}
	return 0, ""
}

func credentials(r *http.Request) (apiKey, token string) {
	apiKey = strings.TrimSpace(r.Header.Get(protocol.HeaderAPIKey))
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get(protocol.HeaderAuthorization), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return apiKey, token
}

func authKey(r *http.Request) string {
	apiKey, token := credentials(r)
	return apiKey + "|" + token
}

func (s *Server) ssePeer(r *http.Request) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sse[authKey(r)]
}

func (s *Server) addPeer(p *peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	if s.sse[p.key] == p {
		delete(s.sse, p.key)
	}
	s.mu.Unlock()
}

func (s *Server) record(msg protocol.Message) {
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()
}

func (s *Server) isSilent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

func (s *Server) activePeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast pushes ev to every connected peer.
func (s *Server) Broadcast(ev protocol.Event) {
	for _, p := range s.activePeers() {
		p.push(ev)
	}
}

// Drop cuts every connection without a close frame.
func (s *Server) Drop() {
	for _, p := range s.activePeers() {
		p.requestClose(closeRequest{abrupt: true})
	}
}

// CloseAll closes every connection with the given code and reason. Stream
// peers have no close frame and are simply ended.
func (s *Server) CloseAll(code int, reason string) {
	for _, p := range s.activePeers() {
		p.requestClose(closeRequest{code: code, reason: reason})
	}
}

// SetSilent stops all outbound traffic, pongs included.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// RejectHandshakes answers new sessions with status; 0 admits them again.
func (s *Server) RejectHandshakes(status int) {
	s.mu.Lock()
	s.rejectStatus = status
	s.mu.Unlock()
}

// FailUploads answers uploads with status; 0 accepts them again.
func (s *Server) FailUploads(status int) {
	s.mu.Lock()
	s.uploadStatus = status
	s.mu.Unlock()
}

// Handshakes counts session attempts, rejected ones included.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *Server) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) Tickets() []protocol.TicketInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TicketInit(nil), s.tickets...)
}

func (s *Server) Received() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.received...)
}

// ReceivedOf filters received messages by type.
func (s *Server) ReceivedOf(t protocol.MessageType) []protocol.Message {
	var out []protocol.Message
	for _, msg := range s.Received() {
		if msg.MessageType() == t {
			out = append(out, msg)
		}
	}
	return out
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

type closeRequest struct {
	code   int
	reason string
	abrupt bool
}

type peer struct {
	id       string
	variant  string
	key      string
	textOnly bool

	out      chan protocol.Event
	closeReq chan closeRequest
	done     chan struct{}
	stopOnce sync.Once
}

func newPeer(variant, key string, textOnly bool) *peer {
	return &peer{
		id:       uuid.NewString(),
		variant:  variant,
		key:      key,
		textOnly: textOnly,
		out:      make(chan protocol.Event, peerOutboundDepth),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
}

// push drops the event if the outbound queue is saturated.
func (p *peer) push(ev protocol.Event) {
	select {
	case <-p.done:
	case p.out <- ev:
	default:
	}
}

func (p *peer) requestClose(req closeRequest) {
	select {
	case p.closeReq <- req:
	default:
	}
}

func (p *peer) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
