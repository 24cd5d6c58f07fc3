package jobctl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMoonraker answers JSON-RPC requests the way Moonraker does and lets
// tests push print_stats notifications.
type fakeMoonraker struct {
	mu      sync.Mutex
	state   string
	methods []string
	params  []json.RawMessage
	fail    map[string]bool

	writeMu sync.Mutex
	conns   chan *websocket.Conn
}

func newFakeMoonraker(state string) *fakeMoonraker {
	return &fakeMoonraker{
		state: state,
		fail:  make(map[string]bool),
		conns: make(chan *websocket.Conn, 4),
	}
}

func (f *fakeMoonraker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var up websocket.Upgrader
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.conns <- conn

	for {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.params = append(f.params, req.Params)
		failing := f.fail[req.Method]
		state := f.state
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case failing:
			resp["error"] = map[string]any{"code": 400, "message": "Klippy not ready"}
		case req.Method == methodSubscribe || req.Method == methodQuery:
			resp["result"] = map[string]any{
				"eventtime": 123.4,
				"status":    map[string]any{"print_stats": map[string]any{"state": state}},
			}
		default:
			resp["result"] = "ok"
		}
		f.write(conn, resp)
	}
}

func (f *fakeMoonraker) write(conn *websocket.Conn, v any) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.WriteJSON(v)
}

func (f *fakeMoonraker) notify(conn *websocket.Conn, state string) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.write(conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  notifyStatusUpdate,
		"params":  []any{map[string]any{"print_stats": map[string]any{"state": state}}, 123.5},
	})
}

func (f *fakeMoonraker) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeMoonraker) lastParams() json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[len(f.params)-1]
}

// startMoonraker runs a client against f until the test ends and returns it
// once the initial subscription has completed.
func startMoonraker(t *testing.T, f *fakeMoonraker, onEvent EventHandler) (*Moonraker, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	m := NewMoonraker("ws"+strings.TrimPrefix(srv.URL, "http")+"/websocket", onEvent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var conn *websocket.Conn
	select {
	case conn = <-f.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, func() bool { return m.State() != "" }, 2*time.Second, 10*time.Millisecond)
	return m, conn
}

func TestMoonrakerActions(t *testing.T) {
	f := newFakeMoonraker(printStatePrinting)
	m, _ := startMoonraker(t, f, nil)
	ctx := context.Background()

	require.NoError(t, m.PausePrint(ctx))
	require.NoError(t, m.CancelPrint(ctx))
	require.NoError(t, m.SendCommands(ctx, []string{"M117 Filament runout", "M300"}))

	var script struct {
		Script string `json:"script"`
	}
	require.NoError(t, json.Unmarshal(f.lastParams(), &script))
	assert.Equal(t, "M117 Filament runout\nM300", script.Script)

	printing, err := m.IsPrinting(ctx)
	require.NoError(t, err)
	assert.True(t, printing)

	assert.Equal(t, []string{methodSubscribe, methodPause, methodCancel, methodScript, methodQuery}, f.calls())
}

func TestMoonrakerEventsFromStatusUpdates(t *testing.T) {
	events := make(chan Event, 8)
	f := newFakeMoonraker(printStateStandby)
	m, conn := startMoonraker(t, f, func(e Event) { events <- e })
	assert.Equal(t, printStateStandby, m.State())

	for _, state := range []string{printStatePrinting, printStatePaused, printStatePrinting, printStateComplete} {
		f.notify(conn, state)
	}

	var got []Event
	for len(got) < 4 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after events %v", got)
		}
	}
	assert.Equal(t, []Event{EventStarted, EventPaused, EventResumed, EventDone}, got)
}

func TestMoonrakerRepeatedStateIsNotAnEvent(t *testing.T) {
	events := make(chan Event, 8)
	f := newFakeMoonraker(printStatePrinting)
	m, conn := startMoonraker(t, f, func(e Event) { events <- e })

	f.notify(conn, printStatePrinting)
	f.notify(conn, printStateCancelled)

	select {
	case e := <-events:
		assert.Equal(t, EventCancelled, e)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	assert.Equal(t, printStateCancelled, m.State())
}

func TestMoonrakerRPCError(t *testing.T) {
	f := newFakeMoonraker(printStatePrinting)
	m, _ := startMoonraker(t, f, nil)

	f.mu.Lock()
	f.fail[methodCancel] = true
	f.mu.Unlock()

	err := m.CancelPrint(context.Background())
	require.Error(t, err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, OpCancel, ce.Op)
	assert.Contains(t, err.Error(), "Klippy not ready")
}

func TestMoonrakerNotConnected(t *testing.T) {
	m := NewMoonraker("ws://127.0.0.1:1/websocket", nil)

	assert.False(t, m.Connected())
	err := m.PausePrint(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.IsPrinting(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransitionEvent(t *testing.T) {
	tests := []struct {
		prev, next string
		want       Event
		ok         bool
	}{
		{printStateStandby, printStatePrinting, EventStarted, true},
		{printStateComplete, printStatePrinting, EventStarted, true},
		{printStatePaused, printStatePrinting, EventResumed, true},
		{printStatePrinting, printStatePaused, EventPaused, true},
		{printStatePrinting, printStateComplete, EventDone, true},
		{printStatePrinting, printStateCancelled, EventCancelled, true},
		{printStatePrinting, printStateError, EventErrored, true},
		{printStateComplete, printStateStandby, "", false},
	}
	for _, tt := range tests {
		got, ok := transitionEvent(tt.prev, tt.next)
		if got != tt.want || ok != tt.ok {
			t.Errorf("transitionEvent(%s, %s): got (%q, %v), want (%q, %v)", tt.prev, tt.next, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMoonrakerOnConnect(t *testing.T) {
	f := newFakeMoonraker(printStatePrinting)
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	m := NewMoonraker("ws"+strings.TrimPrefix(srv.URL, "http")+"/websocket", nil)
	connected := make(chan bool, 1)
	m.OnConnect(func() {
		printing, err := m.IsPrinting(context.Background())
		connected <- err == nil && printing
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case ok := <-connected:
		assert.True(t, ok, "callback can query the printer")
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect never called")
	}
}
