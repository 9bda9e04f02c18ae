package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/herald/internal/protocol"
)

// fakePeer reads requests the table writes and hands them to the test.
type fakePeer struct {
	t        *testing.T
	requests chan protocol.Message
	mu       sync.Mutex
	raw      []string
}

func newFakePeer(t *testing.T) (*Table, *fakePeer) {
	t.Helper()
	pr, pw := io.Pipe()
	table := NewTable(pw, nil)
	peer := &fakePeer{t: t, requests: make(chan protocol.Message, 16)}

	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			line := sc.Text()
			peer.mu.Lock()
			peer.raw = append(peer.raw, line)
			peer.mu.Unlock()
			msg, err := protocol.Decode([]byte(line))
			if err != nil {
				continue
			}
			peer.requests <- msg
		}
	}()
	t.Cleanup(func() {
		_ = pw.Close()
		_ = pr.Close()
	})
	return table, peer
}

func (p *fakePeer) next() protocol.Message {
	p.t.Helper()
	select {
	case m := <-p.requests:
		return m
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for request")
		return protocol.Message{}
	}
}

func respond(table *Table, id int64, result string) {
	table.Dispatch(protocol.Message{Kind: protocol.KindResponse, ID: id, Result: json.RawMessage(result)})
}

func TestTable_CallSuccess(t *testing.T) {
	table, peer := newFakePeer(t)

	done := make(chan json.RawMessage, 1)
	go func() {
		res, err := table.Call(context.Background(), "initialize", map[string]any{"protocolVersion": 1}, time.Second)
		assert.NoError(t, err)
		done <- res
	}()

	req := peer.next()
	assert.Equal(t, protocol.KindRequest, req.Kind)
	assert.Equal(t, "initialize", req.Method)
	assert.Equal(t, int64(1), req.ID)
	respond(table, req.ID, `{"protocolVersion":1}`)

	select {
	case res := <-done:
		assert.JSONEq(t, `{"protocolVersion":1}`, string(res))
	case <-time.After(2 * time.Second):
		t.Fatal("call never resolved")
	}
	assert.Equal(t, 0, table.Pending())
}

func TestTable_RPCError(t *testing.T) {
	table, peer := newFakePeer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := table.Call(context.Background(), "session/new", nil, time.Second)
		errCh <- err
	}()

	req := peer.next()
	table.Dispatch(protocol.Message{
		Kind:  protocol.KindResponse,
		ID:    req.ID,
		Error: &protocol.RPCError{Code: -32000, Message: "no such workspace"},
	})

	err := <-errCh
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "no such workspace", rpcErr.Message)
}

func TestTable_TimeoutFiresOnceNoEarlierThanDeadline(t *testing.T) {
	table, peer := newFakePeer(t)
	timeout := 100 * time.Millisecond

	start := time.Now()
	errCh := make(chan error, 2)
	go func() {
		_, err := table.Call(context.Background(), "initialize", nil, timeout)
		errCh <- err
	}()
	req := peer.next()

	err := <-errCh
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, timeout, te.Duration)
	assert.True(t, te.Timeout())
	assert.Contains(t, err.Error(), "0.1")
	assert.Equal(t, 0, table.Pending())

	// A late response is a no-op and the caller is not settled twice.
	respond(table, req.ID, `{}`)
	select {
	case extra := <-errCh:
		t.Fatalf("call settled twice: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTable_OutOfOrderResponses(t *testing.T) {
	table, peer := newFakePeer(t)

	type out struct {
		method string
		res    string
	}
	results := make(chan out, 2)
	for _, m := range []string{"first", "second"} {
		go func(method string) {
			res, err := table.Call(context.Background(), method, nil, time.Second)
			assert.NoError(t, err)
			results <- out{method: method, res: string(res)}
		}(m)
	}

	a := peer.next()
	b := peer.next()
	assert.NotEqual(t, a.ID, b.ID)

	// Answer in reverse order, echoing the method so correlation is checked.
	respond(table, b.ID, `"`+b.Method+`"`)
	respond(table, a.ID, `"`+a.Method+`"`)

	for range 2 {
		r := <-results
		assert.Equal(t, `"`+r.method+`"`, r.res)
	}
}

func TestTable_UnknownResponseIgnored(t *testing.T) {
	table, _ := newFakePeer(t)
	assert.NotPanics(t, func() { respond(table, 42, `{}`) })
	assert.Equal(t, 0, table.Pending())
}

func TestTable_NotificationRouting(t *testing.T) {
	table, peer := newFakePeer(t)

	var got atomic.Int32
	table.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method == "panic" {
			panic("consumer bug")
		}
		got.Add(1)
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := table.Call(context.Background(), "session/prompt", nil, time.Second)
		errCh <- err
	}()
	req := peer.next()

	table.Dispatch(protocol.Message{Kind: protocol.KindNotification, Method: "panic"})
	table.Dispatch(protocol.Message{Kind: protocol.KindNotification, Method: "session/update"})
	respond(table, req.ID, `{"stopReason":"end_turn"}`)

	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), got.Load())
}

func TestTable_PeerRequestRejected(t *testing.T) {
	table, peer := newFakePeer(t)

	table.Dispatch(protocol.Message{Kind: protocol.KindRequest, ID: 5, Method: "fs/read_text_file"})

	reply := peer.next()
	assert.Equal(t, protocol.KindResponse, reply.Kind)
	assert.Equal(t, int64(5), reply.ID)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, reply.Error.Code)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestTable_WriteFailure(t *testing.T) {
	table := NewTable(brokenWriter{}, nil)

	_, err := table.Call(context.Background(), "initialize", nil, time.Second)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	assert.Equal(t, 0, table.Pending())
}

// stalledPeer returns a table whose writes block because nothing reads the pipe.
func stalledPeer(t *testing.T) *Table {
	t.Helper()
	pr, pw := io.Pipe()
	t.Cleanup(func() {
		_ = pr.Close()
		_ = pw.Close()
	})
	return NewTable(pw, nil)
}

func TestTable_TimeoutWhilePeerNotReading(t *testing.T) {
	table := stalledPeer(t)
	timeout := 100 * time.Millisecond

	errCh := make(chan error, 1)
	go func() {
		_, err := table.Call(context.Background(), "initialize", map[string]any{}, timeout)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "initialize", te.Method)
	case <-time.After(2 * time.Second):
		t.Fatalf("call still blocked after 2s; pending=%d", table.Pending())
	}
	assert.Equal(t, 0, table.Pending())
}

func TestTable_PeerRequestDoesNotBlockDispatch(t *testing.T) {
	table := stalledPeer(t)

	returned := make(chan struct{})
	go func() {
		table.Dispatch(protocol.Message{Kind: protocol.KindRequest, ID: 9, Method: "fs/write_text_file"})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on the reject reply")
	}
}

func TestTable_CloseFailsOutstanding(t *testing.T) {
	table, peer := newFakePeer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := table.Call(context.Background(), "session/prompt", nil, 0)
		errCh <- err
	}()
	peer.next()

	exitErr := errors.New("process exited")
	table.Close(exitErr)

	err := <-errCh
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, exitErr)

	_, err = table.Call(context.Background(), "initialize", nil, time.Second)
	assert.ErrorIs(t, err, exitErr)
}

func TestTable_ContextCancel(t *testing.T) {
	table, peer := newFakePeer(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := table.Call(ctx, "session/prompt", nil, time.Minute)
		errCh <- err
	}()
	peer.next()
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, table.Pending())
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0.1", FormatSeconds(100*time.Millisecond))
	assert.Equal(t, "300", FormatSeconds(300*time.Second))
	assert.Equal(t, "1.5", FormatSeconds(1500*time.Millisecond))
}
