package devserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/sarathi/internal/observability"
	"github.com/ent0n29/sarathi/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Metrics = observability.NewMetrics("test_devserver")
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	return protocol.ParseServerEvent(data)
}

func readUntil(t *testing.T, conn *websocket.Conn, kind protocol.EventType) []protocol.Event {
	t.Helper()
	var seen []protocol.Event
	for i := 0; i < 32; i++ {
		ev := readEvent(t, conn)
		seen = append(seen, ev)
		if ev.Kind() == kind {
			return seen
		}
	}
	t.Fatalf("did not see %s in %d events", kind, len(seen))
	return nil
}

func TestWebSocketEchoTurn(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, nil)

	if ev := readEvent(t, conn); ev.Kind() != protocol.EventConnected {
		t.Fatalf("first event = %s, want connected", ev.Kind())
	}

	ticket, _ := protocol.Marshal(protocol.NewTicketInit(protocol.TicketOptions{Title: "Lost bag"}))
	if err := conn.WriteMessage(websocket.TextMessage, ticket); err != nil {
		t.Fatalf("write ticket: %v", err)
	}
	if ev := readEvent(t, conn); ev.Kind() != protocol.EventSetupComplete {
		t.Fatalf("ticket reply = %s, want setup_complete", ev.Kind())
	}

	text, _ := protocol.Marshal(protocol.NewText("hello there"))
	if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
		t.Fatalf("write text: %v", err)
	}
	events := readUntil(t, conn, protocol.EventTurnComplete)

	var last string
	audio := 0
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.OutputTranscription:
			last = e.Text
		case protocol.AudioChunk:
			audio++
			if e.MimeType != "audio/pcm;rate=24000" {
				t.Fatalf("MimeType = %q", e.MimeType)
			}
		}
	}
	if last != "You said: hello there" {
		t.Fatalf("final transcription = %q", last)
	}
	if audio != echoChunks {
		t.Fatalf("audio chunks = %d, want %d", audio, echoChunks)
	}

	tickets := srv.Tickets()
	if len(tickets) != 1 || tickets[0].Title != "Lost bag" {
		t.Fatalf("tickets = %+v", tickets)
	}
}

func TestWebSocketTextOnlyOmitsAudio(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	header := http.Header{}
	header.Set(protocol.HeaderModality, "TEXT")
	conn := dialWS(t, ts, header)
	readEvent(t, conn)

	text, _ := protocol.Marshal(protocol.NewText("hi"))
	_ = conn.WriteMessage(websocket.TextMessage, text)
	for _, ev := range readUntil(t, conn, protocol.EventTurnComplete) {
		if ev.Kind() == protocol.EventAudioChunk {
			t.Fatalf("text-only session received audio")
		}
	}
}

func TestWebSocketPingPong(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, nil)
	readEvent(t, conn)

	ping, _ := protocol.Marshal(protocol.NewPing())
	_ = conn.WriteMessage(websocket.TextMessage, ping)
	if ev := readEvent(t, conn); ev.Kind() != protocol.EventPong {
		t.Fatalf("ping reply = %s, want pong", ev.Kind())
	}
}

func TestWebSocketRejectsWrongAPIKey(t *testing.T) {
	srv, ts := newTestServer(t, Config{APIKey: "secret"})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{}
	header.Set(protocol.HeaderAPIKey, "wrong")

	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
	if srv.Handshakes() != 1 {
		t.Fatalf("Handshakes() = %d, want 1", srv.Handshakes())
	}
}

func TestWebSocketCloseAllSendsReason(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	conn := dialWS(t, ts, nil)
	readEvent(t, conn)

	srv.CloseAll(websocket.ClosePolicyViolation, "403 Forbidden")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("read error = %T %v, want close error", err, err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "403 Forbidden" {
		t.Fatalf("close = %d %q", ce.Code, ce.Text)
	}
}

func TestWebSocketBinaryAudio(t *testing.T) {
	_, ts := newTestServer(t, Config{BinaryAudio: true})
	conn := dialWS(t, ts, nil)
	readEvent(t, conn)

	text, _ := protocol.Marshal(protocol.NewText("hi"))
	_ = conn.WriteMessage(websocket.TextMessage, text)

	binaryFrames := 0
	for i := 0; i < 16; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %v", err)
		}
		if msgType == websocket.BinaryMessage {
			binaryFrames++
			continue
		}
		if protocol.ParseServerEvent(data).Kind() == protocol.EventTurnComplete {
			break
		}
	}
	if binaryFrames != echoChunks {
		t.Fatalf("binary frames = %d, want %d", binaryFrames, echoChunks)
	}
}

func TestSSESessionFlow(t *testing.T) {
	srv, ts := newTestServer(t, Config{Token: "tok"})

	connectBody := `{"response_modalities":["AUDIO"],"system_instructions":"be brief"}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/connect", strings.NewReader(connectBody))
	req.Header.Set(protocol.HeaderAuthorization, "Bearer tok")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want 200", res.StatusCode)
	}

	stream, err := http.Get(ts.URL + "/stream_responses?token=tok")
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(stream.Body)
	lines.Buffer(make([]byte, 0, 64*1024), 1<<20)
	next := func() protocol.Event {
		for lines.Scan() {
			line := lines.Text()
			if strings.HasPrefix(line, "data: ") {
				return protocol.ParseServerEvent([]byte(strings.TrimPrefix(line, "data: ")))
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return nil
	}
	if ev := next(); ev.Kind() != protocol.EventConnected {
		t.Fatalf("first event = %s, want connected", ev.Kind())
	}

	body, _ := json.Marshal(map[string]string{"text": "/itinerary"})
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/send_text", bytes.NewReader(body))
	req.Header.Set(protocol.HeaderAuthorization, "Bearer tok")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send_text error = %v", err)
	}
	res.Body.Close()

	var itinerary protocol.Itinerary
	for {
		ev := next()
		if it, ok := ev.(protocol.Itinerary); ok {
			itinerary = it
		}
		if ev.Kind() == protocol.EventTurnComplete {
			break
		}
	}
	if itinerary.ID() != "trip-demo" {
		t.Fatalf("itinerary id = %q, want trip-demo", itinerary.ID())
	}
	if got := srv.ReceivedOf(protocol.TypeText); len(got) != 1 {
		t.Fatalf("received texts = %d, want 1", len(got))
	}
}

func TestSSEConnectRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, Config{Token: "tok"})
	res, err := http.Post(ts.URL+"/connect", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("connect error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestUploadStoresPayload(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	body := `{"filename":"conversation_2026-01-01T00-00-00-000Z.json","payload":{"conversationData":[]}}`
	res, err := http.Post(ts.URL+"/upload-json", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	uploads := srv.Uploads()
	if len(uploads) != 1 || uploads[0].Filename != "conversation_2026-01-01T00-00-00-000Z.json" {
		t.Fatalf("uploads = %+v", uploads)
	}

	srv.FailUploads(http.StatusServiceUnavailable)
	res, err = http.Post(ts.URL+"/upload-json", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	for _, path := range []string{"/health", "/healthz", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}
}
