package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/hublink/internal/ble/protocol"
	"github.com/chaz8081/hublink/internal/compiler"
	"github.com/chaz8081/hublink/internal/event"
	"github.com/chaz8081/hublink/internal/hub"
)

// fakeController records calls and returns canned results.
type fakeController struct {
	mu        sync.Mutex
	state     hub.State
	session   hub.Session
	runErr    error
	stdin     []string
	sources   []string
	compiled  []uint8
	stops     int
	connects  int
	aborts    int
	connected chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{connected: make(chan struct{}, 1)}
}

func (f *fakeController) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.connected <- struct{}{}
	return nil
}

func (f *fakeController) Disconnect() {}

func (f *fakeController) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeController) RunSource(_ context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	return f.runErr
}

func (f *fakeController) CompileAndRun(_ context.Context, source string, slot uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	f.compiled = append(f.compiled, slot)
	return f.runErr
}

func (f *fakeController) WriteStdin(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdin = append(f.stdin, string(data))
	return nil
}

func (f *fakeController) State() hub.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Session() (hub.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.state == hub.StateConnected
}

func newTestServer(t *testing.T) (*fakeController, *event.Bus, *Server, *httptest.Server) {
	t.Helper()
	ctrl := newFakeController()
	bus := event.NewBus()
	srv := New(ctrl, bus, Options{HistoryBytes: 1024, CommandTimeout: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		bus.Close()
	})
	return ctrl, bus, srv, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// waitClients polls until the server has n websocket clients.
func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		got := len(srv.clients)
		srv.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients", n)
}

func TestHealth(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.Hub != "disconnected" {
		t.Errorf("health = %+v", got)
	}
}

func TestSessionSnapshot(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)
	ctrl.state = hub.StateConnected
	ctrl.session = hub.Session{
		ID:           "s1",
		Generation:   hub.GenerationModern,
		Capabilities: protocol.Capabilities{MaxWriteSize: 100},
		Status:       protocol.StatusUserProgramRunning,
	}

	resp, err := http.Get(ts.URL + "/api/hub")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "connected" || got.ID != "s1" || got.Protocol != "modern" || got.MaxWriteSize != 100 || !got.ProgramRunning {
		t.Errorf("session = %+v", got)
	}
}

func TestConnectRunsInBackground(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/hub/connect", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-ctrl.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect was not called")
	}
}

func TestConnectWhenConnectedConflicts(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)
	ctrl.state = hub.StateConnected

	if resp := post(t, ts.URL+"/api/hub/connect", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRun(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)

	if resp := post(t, ts.URL+"/api/hub/run", `{"source":"print(1)"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("repl status = %d, want 204", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/hub/run", `{"source":"print(2)","mode":"compiled","slot":3}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("compiled status = %d, want 204", resp.StatusCode)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.sources) != 2 || ctrl.sources[0] != "print(1)" || ctrl.sources[1] != "print(2)" {
		t.Errorf("sources = %q", ctrl.sources)
	}
	if len(ctrl.compiled) != 1 || ctrl.compiled[0] != 3 {
		t.Errorf("compiled slots = %v, want [3]", ctrl.compiled)
	}
}

func TestRunErrors(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"no source", `{}`, nil, http.StatusBadRequest},
		{"bad mode", `{"source":"x","mode":"jit"}`, nil, http.StatusBadRequest},
		{"not connected", `{"source":"x"}`, hub.ErrNotConnected, http.StatusConflict},
		{"too large", `{"source":"x","mode":"compiled"}`, hub.ErrProgramTooLarge, http.StatusRequestEntityTooLarge},
		{"syntax", `{"source":"x","mode":"compiled"}`, &compiler.CompileError{Message: "bad"}, http.StatusUnprocessableEntity},
		{"no compiler", `{"source":"x","mode":"compiled"}`, hub.ErrNoCompiler, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl.mu.Lock()
			ctrl.runErr = tt.err
			ctrl.mu.Unlock()

			resp := post(t, ts.URL+"/api/hub/run", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body = %+v, %v", body, err)
			}
		})
	}
}

func TestStopAndStdin(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)

	post(t, ts.URL+"/api/hub/stop", "")
	post(t, ts.URL+"/api/hub/stdin", `{"data":"42\n"}`)
	post(t, ts.URL+"/api/hub/abort", "")

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.stops != 1 || ctrl.aborts != 1 {
		t.Errorf("stops = %d, aborts = %d, want 1, 1", ctrl.stops, ctrl.aborts)
	}
	if len(ctrl.stdin) != 1 || ctrl.stdin[0] != "42\n" {
		t.Errorf("stdin = %q", ctrl.stdin)
	}
}

func TestTerminalStreamsEvents(t *testing.T) {
	_, bus, srv, ts := newTestServer(t)
	conn := dial(t, ts)
	waitClients(t, srv, 1)

	bus.Publish(event.Event{Kind: event.KindOutput, Text: "hello\n"})
	bus.Publish(event.Event{Kind: event.KindStatus, Status: protocol.StatusUserProgramRunning, Text: "program-running"})

	msg := readMessage(t, conn)
	if msg.Type != "output" || msg.Data != "hello\n" || msg.Time == nil {
		t.Errorf("first message = %+v", msg)
	}
	msg = readMessage(t, conn)
	if msg.Type != "status" || msg.Status == nil || *msg.Status != uint32(protocol.StatusUserProgramRunning) {
		t.Errorf("second message = %+v", msg)
	}
}

func TestTerminalReplaysHistory(t *testing.T) {
	_, bus, srv, ts := newTestServer(t)

	bus.Publish(event.Event{Kind: event.KindOutput, Text: "before "})
	bus.Publish(event.Event{Kind: event.KindOutput, Text: "join"})
	deadline := time.Now().Add(2 * time.Second)
	for srv.history.String() != "before join" {
		if time.Now().After(deadline) {
			t.Fatalf("history = %q", srv.history.String())
		}
		time.Sleep(time.Millisecond)
	}

	conn := dial(t, ts)
	msg := readMessage(t, conn)
	if msg.Type != TypeHistory || msg.Data != "before join" {
		t.Errorf("first message = %+v, want history", msg)
	}
}

func TestTerminalInbound(t *testing.T) {
	ctrl, _, _, ts := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Message{Type: TypePing}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != TypePong {
		t.Errorf("reply = %+v, want pong", msg)
	}

	conn.WriteJSON(Message{Type: TypeStdin, Data: "x"})
	conn.WriteJSON(Message{Type: TypeStop})
	conn.WriteJSON(Message{Type: TypePing})
	readMessage(t, conn) // messages are handled in order

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.stdin) != 1 || ctrl.stdin[0] != "x" {
		t.Errorf("stdin = %q", ctrl.stdin)
	}
	if ctrl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctrl.stops)
	}
}

func TestOriginCheck(t *testing.T) {
	ctrl := newFakeController()
	bus := event.NewBus()
	defer bus.Close()
	srv := New(ctrl, bus, Options{AllowedOrigins: []string{"http://ok.example"}})
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("Dial() succeeded for a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestHistoryKeepsTail(t *testing.T) {
	h := newHistory(8)
	h.Write([]byte("abcdef"))
	h.Write([]byte("ghij"))
	if got := h.String(); got != "cdefghij" {
		t.Errorf("String() = %q, want cdefghij", got)
	}
	h.Write(bytes.Repeat([]byte("z"), 20))
	if got := h.String(); got != "zzzzzzzz" {
		t.Errorf("String() = %q", got)
	}
}

func TestHistoryDropsSplitRune(t *testing.T) {
	h := newHistory(4)
	h.Write([]byte("a€b")) // keeps the euro and 'b'
	h.Write([]byte("c"))   // trims the euro's first byte
	if got := h.String(); got != "bc" {
		t.Errorf("String() = %q, want bc", got)
	}
}
