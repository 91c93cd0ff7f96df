package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout applies when CallOptions carries no timeout.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrTimeout marks a call that saw no terminal response in time. Distinct
	// from a worker-reported failure so callers can retry with a longer
	// timeout instead of abandoning.
	ErrTimeout = errors.New("execution channel call timed out")

	// ErrCallFailed wraps an error reported by the execution unit itself.
	ErrCallFailed = errors.New("execution unit reported an error")

	// ErrDisposed is returned for pending and subsequent calls once the
	// channel has been torn down.
	ErrDisposed = errors.New("execution channel disposed")
)

// Endpoint is one transport to an execution unit: an in-process worker
// goroutine, or a remote server speaking the same envelopes. Start wires the
// inbound reply stream; Post sends one outbound envelope and must not block
// on the unit's work.
type Endpoint interface {
	Start(emit func(reply []byte)) error
	Post(envelope []byte) error
	Close() error
}

// CallOptions configures one round trip.
type CallOptions struct {
	Timeout    time.Duration
	OnProgress func(payload json.RawMessage)
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id         string
	onProgress func(json.RawMessage)
	done       chan callResult
	timer      *time.Timer
}

type dispatcherOp interface{ op() }

type opSend struct {
	call     *pendingCall
	envelope []byte
	timeout  time.Duration
}
type opInbound struct{ data []byte }
type opCancel struct {
	id  string
	err error
}
type opDispose struct{ ack chan struct{} }

func (opSend) op()    {}
func (opInbound) op() {}
func (opCancel) op()  {}
func (opDispose) op() {}

// Channel correlates request/response round trips over an Endpoint. All
// correlation state lives in a single dispatcher goroutine; callers, inbound
// replies, timeouts and disposal reach it as messages, never as shared
// memory.
type Channel struct {
	endpoint Endpoint
	ops      chan dispatcherOp
	disposed chan struct{}

	disposeOnce sync.Once
	disposeErr  error
}

// New starts the endpoint and the dispatcher. The caller owns the returned
// channel and must Dispose it.
func New(endpoint Endpoint) (*Channel, error) {
	c := &Channel{
		endpoint: endpoint,
		ops:      make(chan dispatcherOp),
		disposed: make(chan struct{}),
	}
	if err := endpoint.Start(c.onInbound); err != nil {
		return nil, fmt.Errorf("start endpoint failed: %w", err)
	}
	go c.dispatch()
	return c, nil
}

func (c *Channel) onInbound(reply []byte) {
	select {
	case c.ops <- opInbound{data: reply}:
	case <-c.disposed:
	}
}

// Call sends one tagged request and waits for its terminal response,
// forwarding any progress replies to opts.OnProgress along the way. Every
// call gets a fresh correlation id; a late reply for a call that already
// timed out is dropped.
func (c *Channel) Call(ctx context.Context, reqType string, payload json.RawMessage, opts CallOptions) (json.RawMessage, error) {
	select {
	case <-c.disposed:
		return nil, ErrDisposed
	default:
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := uuid.NewString()
	envelope, err := json.Marshal(Envelope{Type: reqType, RequestID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope failed: %w", err)
	}

	call := &pendingCall{
		id:         id,
		onProgress: opts.OnProgress,
		done:       make(chan callResult, 1),
	}

	select {
	case c.ops <- opSend{call: call, envelope: envelope, timeout: timeout}:
	case <-c.disposed:
		return nil, ErrDisposed
	}

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-ctx.Done():
		c.cancel(id, ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Channel) cancel(id string, err error) {
	select {
	case c.ops <- opCancel{id: id, err: err}:
	case <-c.disposed:
	}
}

// Dispose rejects every pending call with ErrDisposed, then tears down the
// endpoint. Safe to call more than once.
func (c *Channel) Dispose() error {
	c.disposeOnce.Do(func() {
		close(c.disposed)
		ack := make(chan struct{})
		c.ops <- opDispose{ack: ack}
		<-ack
		c.disposeErr = c.endpoint.Close()
	})
	return c.disposeErr
}

// Disposed reports whether the channel has been torn down.
func (c *Channel) Disposed() bool {
	select {
	case <-c.disposed:
		return true
	default:
		return false
	}
}

func (c *Channel) dispatch() {
	pending := make(map[string]*pendingCall)

	for op := range c.ops {
		switch o := op.(type) {
		case opSend:
			pending[o.call.id] = o.call
			if err := c.endpoint.Post(o.envelope); err != nil {
				delete(pending, o.call.id)
				o.call.done <- callResult{err: fmt.Errorf("post envelope failed: %w", err)}
				continue
			}
			id := o.call.id
			o.call.timer = time.AfterFunc(o.timeout, func() {
				c.cancel(id, fmt.Errorf("no response within %s: %w", o.timeout, ErrTimeout))
			})

		case opInbound:
			var reply Reply
			if err := json.Unmarshal(o.data, &reply); err != nil {
				continue
			}
			call, ok := pending[reply.RequestID]
			if !ok {
				// Decorrelated: the call timed out or was cancelled already.
				continue
			}
			if reply.Type == TypeProgress {
				if call.onProgress != nil {
					call.onProgress(reply.Payload)
				}
				continue
			}
			delete(pending, reply.RequestID)
			if call.timer != nil {
				call.timer.Stop()
			}
			if reply.OK {
				call.done <- callResult{result: reply.Result}
			} else {
				call.done <- callResult{err: fmt.Errorf("%w: %s", ErrCallFailed, reply.Error)}
			}

		case opCancel:
			call, ok := pending[o.id]
			if !ok {
				continue
			}
			delete(pending, o.id)
			if call.timer != nil {
				call.timer.Stop()
			}
			call.done <- callResult{err: o.err}

		case opDispose:
			for id, call := range pending {
				if call.timer != nil {
					call.timer.Stop()
				}
				call.done <- callResult{err: ErrDisposed}
				delete(pending, id)
			}
			close(o.ack)
			return
		}
	}
}
