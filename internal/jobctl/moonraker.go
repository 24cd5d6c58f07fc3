package jobctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Moonraker JSON-RPC methods.
const (
	methodPause     = "printer.print.pause"
	methodCancel    = "printer.print.cancel"
	methodScript    = "printer.gcode.script"
	methodQuery     = "printer.objects.query"
	methodSubscribe = "printer.objects.subscribe"

	notifyStatusUpdate = "notify_status_update"
)

// print_stats.state values reported by Klipper.
const (
	printStateStandby   = "standby"
	printStatePrinting  = "printing"
	printStatePaused    = "paused"
	printStateComplete  = "complete"
	printStateCancelled = "cancelled"
	printStateError     = "error"
)

const (
	moonrakerRetry         = 5 * time.Second
	moonrakerSubscribeWait = 10 * time.Second
	moonrakerEventQueue    = 32
)

var printStatsQuery = map[string]any{
	"objects": map[string][]string{"print_stats": {"state"}},
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("moonraker error %d: %s", e.Code, e.Message)
}

type objectsResult struct {
	Status struct {
		PrintStats struct {
			State string `json:"state"`
		} `json:"print_stats"`
	} `json:"status"`
}

// Moonraker controls a Klipper printer through Moonraker's websocket
// JSON-RPC API and reports print_stats transitions as lifecycle events.
type Moonraker struct {
	url     string
	onEvent EventHandler
	onConn  func()
	dialer  *websocket.Dialer
	retry   time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan rpcMessage
	nextID  int64

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   string

	events chan Event
}

// NewMoonraker creates a client for the websocket endpoint at url
// (e.g. ws://localhost:7125/websocket). onEvent may be nil.
func NewMoonraker(url string, onEvent EventHandler) *Moonraker {
	return &Moonraker{
		url:     url,
		onEvent: onEvent,
		dialer:  websocket.DefaultDialer,
		retry:   moonrakerRetry,
		events:  make(chan Event, moonrakerEventQueue),
	}
}

// OnConnect registers fn to run on its own goroutine after every
// successful connect, once the print state is known. Call before Run.
func (m *Moonraker) OnConnect(fn func()) {
	m.onConn = fn
}

// Run connects and keeps the connection alive until ctx is cancelled.
// Lifecycle events are delivered to onEvent from a separate goroutine so
// the handler may call back into the controller.
func (m *Moonraker) Run(ctx context.Context) error {
	go m.dispatch(ctx)

	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warnf("moonraker: connection lost, retrying in %v", m.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.retry):
		}
	}
}

// Connected reports whether the websocket is open.
func (m *Moonraker) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// State returns the last known print_stats state.
func (m *Moonraker) State() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// PausePrint pauses the active job.
func (m *Moonraker) PausePrint(ctx context.Context) error {
	return opError(OpPause, m.call(ctx, methodPause, nil, nil))
}

// CancelPrint cancels the active job.
func (m *Moonraker) CancelPrint(ctx context.Context) error {
	return opError(OpCancel, m.call(ctx, methodCancel, nil, nil))
}

// SendCommands runs the commands as a single G-code script.
func (m *Moonraker) SendCommands(ctx context.Context, commands []string) error {
	params := map[string]string{"script": strings.Join(commands, "\n")}
	return opError(OpCommands, m.call(ctx, methodScript, params, nil))
}

// IsPrinting queries print_stats.
func (m *Moonraker) IsPrinting(ctx context.Context) (bool, error) {
	var res objectsResult
	if err := m.call(ctx, methodQuery, printStatsQuery, &res); err != nil {
		return false, opError(OpIsPrinting, err)
	}
	return res.Status.PrintStats.State == printStatePrinting, nil
}

func (m *Moonraker) session(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.pending = make(map[int64]chan rpcMessage)
	m.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(conn) }()

	subCtx, cancel := context.WithTimeout(ctx, moonrakerSubscribeWait)
	err = m.subscribe(subCtx)
	cancel()
	if err != nil {
		conn.Close()
		<-readErr
		m.teardown()
		return fmt.Errorf("subscribe print_stats: %w", err)
	}
	log.Infof("moonraker: connected to %s (print state %s)", m.url, m.State())
	if m.onConn != nil {
		go m.onConn()
	}

	select {
	case err = <-readErr:
	case <-ctx.Done():
		conn.Close()
		err = <-readErr
	}
	m.teardown()
	return err
}

func (m *Moonraker) subscribe(ctx context.Context) error {
	var res objectsResult
	if err := m.call(ctx, methodSubscribe, printStatsQuery, &res); err != nil {
		return err
	}
	m.noteState(res.Status.PrintStats.State)
	return nil
}

// teardown fails every pending call and drops the connection.
func (m *Moonraker) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.pending {
		ch <- rpcMessage{Error: &rpcError{Code: -1, Message: ErrNotConnected.Error()}}
		delete(m.pending, id)
	}
	m.conn = nil
}

func (m *Moonraker) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugf("moonraker: ignoring malformed message: %v", err)
			continue
		}

		if msg.ID != nil {
			m.mu.Lock()
			ch, ok := m.pending[*msg.ID]
			delete(m.pending, *msg.ID)
			m.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		if msg.Method == notifyStatusUpdate {
			m.handleStatusUpdate(msg.Params)
		}
	}
}

func (m *Moonraker) handleStatusUpdate(raw json.RawMessage) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return
	}
	var status struct {
		PrintStats *struct {
			State *string `json:"state"`
		} `json:"print_stats"`
	}
	if err := json.Unmarshal(params[0], &status); err != nil {
		return
	}
	if status.PrintStats == nil || status.PrintStats.State == nil {
		return
	}
	m.noteState(*status.PrintStats.State)
}

// noteState records the print state. A change seen on resubscribe after a
// reconnect is reported like any other transition; the first state after
// startup is not an event.
func (m *Moonraker) noteState(next string) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()

	if prev == "" || prev == next {
		return
	}
	ev, ok := transitionEvent(prev, next)
	if !ok {
		return
	}
	log.Debugf("moonraker: print state %s -> %s (%s)", prev, next, ev)
	select {
	case m.events <- ev:
	default:
		log.Warnf("moonraker: event queue full, dropping %s", ev)
	}
}

func (m *Moonraker) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if m.onEvent != nil {
				m.onEvent(ev)
			}
		}
	}
}

func (m *Moonraker) call(ctx context.Context, method string, params, result any) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.nextID++
	id := m.nextID
	ch := make(chan rpcMessage, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		m.forget(id)
		return fmt.Errorf("encode %s: %w", method, err)
	}

	m.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		m.forget(id)
		return ctx.Err()
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (m *Moonraker) forget(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// transitionEvent maps a print_stats state change to a lifecycle event.
func transitionEvent(prev, next string) (Event, bool) {
	switch next {
	case printStatePrinting:
		if prev == printStatePaused {
			return EventResumed, true
		}
		return EventStarted, true
	case printStatePaused:
		return EventPaused, true
	case printStateComplete:
		return EventDone, true
	case printStateCancelled:
		return EventCancelled, true
	case printStateError:
		return EventErrored, true
	}
	return "", false
}
