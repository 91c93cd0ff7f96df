package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrWorkerLive rejects a second in-process worker while one is running.
// The execution unit is a process-wide singleton; callers must reuse the
// live one.
var ErrWorkerLive = errors.New("an execution worker is already live in this process")

var liveWorker atomic.Bool

// Handler processes one envelope inside the worker context. emitProgress may
// be called any number of times before returning; the worker tags each
// emission with the envelope's request id.
type Handler interface {
	Handle(ctx context.Context, env Envelope, emitProgress func(payload json.RawMessage)) (json.RawMessage, error)
}

// Worker is the in-process Endpoint: a single goroutine that owns the model
// pipeline and processes envelopes one at a time, mirroring an isolated
// single-threaded execution unit.
type Worker struct {
	handler Handler
	emit    func([]byte)
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	queue   [][]byte
	wake    chan struct{}
}

func NewWorker(handler Handler) *Worker {
	return &Worker{
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
}

func (w *Worker) Start(emit func(reply []byte)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrWorkerLive
	}
	if !liveWorker.CompareAndSwap(false, true) {
		return ErrWorkerLive
	}
	w.started = true
	w.emit = emit

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Post hands an envelope to the worker goroutine. Envelopes land in an
// unbounded queue, so Post returns immediately no matter how slow the
// handler is; the channel dispatcher calling it is never stalled.
func (w *Worker) Post(envelope []byte) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return errors.New("worker not started")
	}
	w.queue = append(w.queue, envelope)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	liveWorker.Store(false)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		var raw []byte
		if len(w.queue) > 0 {
			raw = w.queue[0]
			w.queue = w.queue[1:]
		}
		w.mu.Unlock()

		if raw == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		w.handle(ctx, env)
	}
}

func (w *Worker) handle(ctx context.Context, env Envelope) {
	result, err := w.handler.Handle(ctx, env, func(payload json.RawMessage) {
		w.send(Reply{Type: TypeProgress, RequestID: env.RequestID, Payload: payload})
	})

	reply := Reply{Type: TypeResponse, RequestID: env.RequestID, OK: err == nil, Result: result}
	if err != nil {
		reply.Error = err.Error()
	}
	w.send(reply)
}

func (w *Worker) send(reply Reply) {
	raw, err := json.Marshal(reply)
	if err != nil {
		raw, _ = json.Marshal(Reply{
			Type:      TypeResponse,
			RequestID: reply.RequestID,
			Error:     fmt.Sprintf("marshal reply failed: %v", err),
		})
	}
	w.emit(raw)
}
