package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/herald/internal/protocol"
)

// NotificationFunc receives unsolicited messages (no id) from the peer.
type NotificationFunc func(method string, params json.RawMessage)

type result struct {
	value json.RawMessage
	err   error
}

// call is one outstanding request. done is buffered so whichever path settles the
// call never blocks, and only the path that removes the entry from the map sends.
type call struct {
	method string
	done   chan result
	timer  *time.Timer
}

// Table correlates requests written to a peer with the responses read back.
//
// Ids start at 1 and increase monotonically for the lifetime of the table, so an
// id is never reused while outstanding. Every mutation of the pending map happens
// inside a single critical section; the delete is the arbitration point between a
// response, a deadline and Close.
type Table struct {
	w      io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*call
	closed   error
	onNotify NotificationFunc
}

// NewTable returns a table writing requests to w.
func NewTable(w io.Writer, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		w:       w,
		logger:  logger,
		pending: make(map[int64]*call),
	}
}

// SetNotificationHandler installs fn for unsolicited messages. A nil fn drops them.
func (t *Table) SetNotificationHandler(fn NotificationFunc) {
	t.mu.Lock()
	t.onNotify = fn
	t.mu.Unlock()
}

// Call sends method with params and waits for the matching response.
//
// It fails with *TimeoutError when timeout elapses first, *RPCError when the peer
// answers with an error object, and *TransportError when the request cannot be
// written or the connection closes. A timeout (or ctx cancellation) only drops the
// local bookkeeping: no cancellation is sent to the peer, which may keep working
// on the abandoned request. A timeout <= 0 waits until ctx is done.
func (t *Table) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c := &call{method: method, done: make(chan result, 1)}

	t.mu.Lock()
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		return nil, &TransportError{Op: "send " + method, Err: err}
	}
	t.nextID++
	id := t.nextID
	t.pending[id] = c
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			t.settle(id, result{err: &TimeoutError{Method: method, Duration: timeout}})
		})
	}
	t.mu.Unlock()

	// The write runs on its own goroutine so a peer that stops reading cannot hold
	// the caller past its deadline.
	go func() {
		if err := t.write(&protocol.Request{ID: id, Method: method, Params: params}); err != nil {
			t.settle(id, result{err: &TransportError{Op: "write " + method, Err: err}})
		}
	}()

	select {
	case res := <-c.done:
		return res.value, res.err
	case <-ctx.Done():
		if t.settle(id, result{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Lost the race: a response or deadline already settled the call.
		res := <-c.done
		return res.value, res.err
	}
}

// Notify writes a notification to the peer.
func (t *Table) Notify(method string, params any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := protocol.EncodeNotification(t.w, &protocol.Notification{Method: method, Params: params}); err != nil {
		return &TransportError{Op: "write " + method, Err: err}
	}
	return nil
}

// Dispatch routes one decoded message. It is the decoder's handler.
func (t *Table) Dispatch(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindResponse:
		var res result
		if msg.Error != nil {
			res.err = msg.Error
		} else {
			res.value = msg.Result
		}
		if !t.settle(msg.ID, res) {
			t.logger.Debug("ignoring response for unknown id", "id", msg.ID)
		}

	case protocol.KindNotification:
		t.mu.Lock()
		fn := t.onNotify
		t.mu.Unlock()
		if fn != nil {
			t.notify(fn, msg)
		}

	case protocol.KindRequest:
		// This client exposes no methods to the agent; answer so the peer does not wait.
		// The reply is written off the reader goroutine so a stuck stdin cannot stall
		// response correlation.
		t.logger.Debug("rejecting peer request", "id", msg.ID, "method", msg.Method)
		go t.reject(msg.ID, msg.Method)
	}
}

// Pending returns the number of outstanding requests.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every outstanding request with a transport error wrapping err and
// rejects later calls. Only the first Close takes effect.
func (t *Table) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	calls := t.pending
	t.pending = make(map[int64]*call)
	t.mu.Unlock()

	for _, c := range calls {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.done <- result{err: &TransportError{Op: "read " + c.method, Err: err}}
	}
}

// settle removes id and delivers res. It reports false if the entry was already gone.
func (t *Table) settle(id int64, res result) bool {
	t.mu.Lock()
	c, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.done <- res
	return true
}

func (t *Table) write(req *protocol.Request) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.EncodeRequest(t.w, req)
}

func (t *Table) reject(id int64, method string) {
	t.writeMu.Lock()
	err := protocol.EncodeResponse(t.w, &protocol.Response{
		ID: id,
		Error: &protocol.RPCError{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", method),
		},
	})
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Warn("failed to reject peer request", "method", method, "error", err)
	}
}

func (t *Table) notify(fn NotificationFunc, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("notification handler panicked", "method", msg.Method, "panic", r)
		}
	}()
	fn(msg.Method, msg.Params)
}
