package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseError   Phase = "error"
)

// ErrNotReady is returned when inference is requested before a successful load.
var ErrNotReady = errors.New("embedding model is not loaded")

// ErrSuperseded is returned to callers joined on a load that a newer request
// for a different model/device pair displaced before it could finish.
var ErrSuperseded = errors.New("model load superseded by a newer request")

// ModelConfig names the model artifact and the execution device. "auto"
// resolves to an accelerated device when one is available, else "cpu".
type ModelConfig struct {
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
}

// State is the externally visible pipeline state.
type State struct {
	Phase       Phase        `json:"phase"`
	ActiveModel *ModelConfig `json:"active_model,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Progress reports model materialization. Stage "download" carries a percent
// when the artifact size is known; "resident" is emitted exactly once when
// the artifacts are already on disk; "ready" closes the stream.
type Progress struct {
	Stage         string `json:"stage"`
	File          string `json:"file,omitempty"`
	Percent       int    `json:"percent,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}

const (
	StageDownload = "download"
	StageResident = "resident"
	StageReady    = "ready"
)

// Runtime hosts one loaded model. After a successful Load the runtime is a
// shared read-only resource; Embed may be called repeatedly.
type Runtime interface {
	Load(ctx context.Context, cfg ModelConfig, onProgress func(Progress)) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// loadOp is one single-flight load. Progress sinks are scoped to the op, so
// a superseded load can never leak events into a newer call's stream.
type loadOp struct {
	cfg  ModelConfig
	done chan struct{}
	err  error

	mu    sync.Mutex
	sinks []func(Progress)
}

func newLoadOp(cfg ModelConfig) *loadOp {
	return &loadOp{cfg: cfg, done: make(chan struct{})}
}

func (op *loadOp) subscribe(sink func(Progress)) {
	op.mu.Lock()
	op.sinks = append(op.sinks, sink)
	op.mu.Unlock()
}

func (op *loadOp) emit(p Progress) {
	op.mu.Lock()
	sinks := make([]func(Progress), len(op.sinks))
	copy(sinks, op.sinks)
	op.mu.Unlock()
	for _, sink := range sinks {
		sink(p)
	}
}

// Manager owns the embedding model lifecycle inside the execution unit:
// device resolution, single-flight loading, and the loaded runtime handle.
// It is an explicitly owned object, not a package global, so tests can run
// isolated instances.
type Manager struct {
	newRuntime    func(ModelConfig) Runtime
	resolveDevice func(requested string) string

	mu       sync.Mutex
	phase    Phase
	active   *ModelConfig
	lastErr  error
	inflight *loadOp
	runtime  Runtime
}

// NewManager builds a manager around a runtime factory. resolveDevice may be
// nil, in which case DetectDevice handles "auto" with the default onnxruntime
// library path.
func NewManager(newRuntime func(ModelConfig) Runtime, resolveDevice func(string) string) *Manager {
	if resolveDevice == nil {
		resolveDevice = func(requested string) string { return DetectDevice("", requested) }
	}
	return &Manager{
		newRuntime:    newRuntime,
		resolveDevice: resolveDevice,
		phase:         PhaseIdle,
	}
}

// EnsureReady loads the model if needed. Idempotent and safe to call
// concurrently: callers asking for the pair already in flight join that load
// (each with their own progress sink); a different pair starts a new load
// that supersedes the old one without cancelling it. Callers of a superseded
// load get ErrSuperseded, never a ready report for a model they did not ask
// for.
func (m *Manager) EnsureReady(ctx context.Context, cfg ModelConfig, onProgress func(Progress)) error {
	cfg.Device = m.resolveDevice(cfg.Device)

	m.mu.Lock()
	if m.phase == PhaseReady && m.active != nil && *m.active == cfg {
		m.mu.Unlock()
		if onProgress != nil {
			onProgress(Progress{Stage: StageReady})
		}
		return nil
	}

	if op := m.inflight; op != nil && op.cfg == cfg {
		if onProgress != nil {
			op.subscribe(onProgress)
		}
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	op := newLoadOp(cfg)
	if onProgress != nil {
		op.subscribe(onProgress)
	}
	m.inflight = op
	m.phase = PhaseLoading
	m.mu.Unlock()

	return m.load(ctx, op)
}

func (m *Manager) load(ctx context.Context, op *loadOp) error {
	rt := m.newRuntime(op.cfg)
	err := rt.Load(ctx, op.cfg, op.emit)
	if err != nil {
		err = fmt.Errorf("load model %s on %s failed: %w", op.cfg.ModelID, op.cfg.Device, err)
	}

	m.mu.Lock()
	superseded := m.inflight != op
	if !superseded {
		m.inflight = nil
		if err != nil {
			m.phase = PhaseError
			m.lastErr = err
			m.active = nil
		} else {
			if m.runtime != nil {
				_ = m.runtime.Close()
			}
			m.runtime = rt
			m.phase = PhaseReady
			m.lastErr = nil
			active := op.cfg
			m.active = &active
		}
	} else if err == nil {
		// A newer load displaced this one while it was working; the stale
		// runtime must not replace the active one, and its callers must not
		// mistake the displacement for success.
		_ = rt.Close()
	}
	m.mu.Unlock()

	if superseded && err == nil {
		err = ErrSuperseded
	}
	if err == nil {
		op.emit(Progress{Stage: StageReady})
	}
	op.err = err
	close(op.done)
	return err
}

// Embed runs inference through the loaded runtime.
func (m *Manager) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	rt := m.runtime
	phase := m.phase
	m.mu.Unlock()

	if phase != PhaseReady || rt == nil {
		return nil, ErrNotReady
	}
	return rt.Embed(ctx, texts)
}

// Status reports the current pipeline state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{Phase: m.phase}
	if m.active != nil {
		active := *m.active
		st.ActiveModel = &active
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Close releases the loaded runtime, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = PhaseIdle
	m.active = nil
	if m.runtime != nil {
		err := m.runtime.Close()
		m.runtime = nil
		return err
	}
	return nil
}
