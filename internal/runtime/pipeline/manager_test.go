package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRuntime is a scriptable Runtime for manager tests.
type stubRuntime struct {
	loadErr   error
	started   chan struct{} // closed when Load begins, if set
	release   chan struct{} // Load blocks on this, if set
	lateEmits []Progress    // emitted after release, before Load returns
	vectors   [][]float32

	loads  *int32
	closed atomic.Bool
}

func (s *stubRuntime) Load(_ context.Context, _ ModelConfig, onProgress func(Progress)) error {
	if s.loads != nil {
		atomic.AddInt32(s.loads, 1)
	}
	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		<-s.release
	}
	for _, p := range s.lateEmits {
		onProgress(p)
	}
	return s.loadErr
}

func (s *stubRuntime) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.vectors != nil {
		return s.vectors, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (s *stubRuntime) Close() error {
	s.closed.Store(true)
	return nil
}

func passthroughDevice(d string) string { return d }

func TestEnsureReadySingleFlight(t *testing.T) {
	var loads int32
	stub := &stubRuntime{
		loads:   &loads,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := NewManager(func(ModelConfig) Runtime { return stub }, passthroughDevice)

	cfg := ModelConfig{ModelID: "minilm", Device: "cpu"}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- m.EnsureReady(context.Background(), cfg, nil)
		}()
	}

	<-stub.started
	// Give the second caller time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(stub.release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads), "concurrent callers must share one load")
	assert.Equal(t, PhaseReady, m.Status().Phase)
}

func TestEnsureReadyAlreadyReadyIsNoop(t *testing.T) {
	var loads int32
	m := NewManager(func(ModelConfig) Runtime { return &stubRuntime{loads: &loads} }, passthroughDevice)
	cfg := ModelConfig{ModelID: "minilm", Device: "cpu"}

	require.NoError(t, m.EnsureReady(context.Background(), cfg, nil))
	require.NoError(t, m.EnsureReady(context.Background(), cfg, nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestEnsureReadyErrorAllowsRetry(t *testing.T) {
	var loads int32
	fail := true
	m := NewManager(func(ModelConfig) Runtime {
		rt := &stubRuntime{loads: &loads}
		if fail {
			rt.loadErr = assert.AnError
		}
		return rt
	}, passthroughDevice)
	cfg := ModelConfig{ModelID: "minilm", Device: "cpu"}

	err := m.EnsureReady(context.Background(), cfg, nil)
	require.Error(t, err)
	st := m.Status()
	assert.Equal(t, PhaseError, st.Phase)
	assert.NotEmpty(t, st.Error)

	fail = false
	require.NoError(t, m.EnsureReady(context.Background(), cfg, nil))
	assert.Equal(t, PhaseReady, m.Status().Phase)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestSupersededLoadKeepsProgressScoped(t *testing.T) {
	staleStub := &stubRuntime{
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		lateEmits: []Progress{{Stage: StageDownload, File: "model.onnx", Percent: 99}},
	}
	freshStub := &stubRuntime{}
	m := NewManager(func(cfg ModelConfig) Runtime {
		if cfg.ModelID == "stale" {
			return staleStub
		}
		return freshStub
	}, passthroughDevice)

	var mu sync.Mutex
	var staleEvents, freshEvents []Progress
	record := func(dst *[]Progress) func(Progress) {
		return func(p Progress) {
			mu.Lock()
			*dst = append(*dst, p)
			mu.Unlock()
		}
	}

	staleDone := make(chan error, 1)
	go func() {
		staleDone <- m.EnsureReady(context.Background(), ModelConfig{ModelID: "stale", Device: "cpu"}, record(&staleEvents))
	}()
	<-staleStub.started

	// A different pair supersedes the stale load.
	require.NoError(t, m.EnsureReady(context.Background(), ModelConfig{ModelID: "fresh", Device: "cpu"}, record(&freshEvents)))
	st := m.Status()
	require.NotNil(t, st.ActiveModel)
	assert.Equal(t, "fresh", st.ActiveModel.ModelID)

	// The stale load finishes late and emits progress; none of it may reach
	// the fresh call's stream, and its caller must not see success.
	close(staleStub.release)
	assert.ErrorIs(t, <-staleDone, ErrSuperseded)

	mu.Lock()
	defer mu.Unlock()
	for _, p := range freshEvents {
		assert.NotEqual(t, 99, p.Percent, "stale progress leaked into the fresh call")
	}
	var sawStaleDownload bool
	for _, p := range staleEvents {
		if p.Stage == StageDownload && p.Percent == 99 {
			sawStaleDownload = true
		}
	}
	assert.True(t, sawStaleDownload, "stale call should still see its own progress")

	// The stale runtime must not replace the active one.
	assert.True(t, staleStub.closed.Load())
	assert.Equal(t, "fresh", m.Status().ActiveModel.ModelID)
}

func TestSupersededLoadRejectsJoinedCallers(t *testing.T) {
	staleStub := &stubRuntime{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	freshStub := &stubRuntime{}
	m := NewManager(func(cfg ModelConfig) Runtime {
		if cfg.ModelID == "stale" {
			return staleStub
		}
		return freshStub
	}, passthroughDevice)

	var mu sync.Mutex
	var staleEvents []Progress
	record := func(p Progress) {
		mu.Lock()
		staleEvents = append(staleEvents, p)
		mu.Unlock()
	}

	staleCfg := ModelConfig{ModelID: "stale", Device: "cpu"}
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.EnsureReady(context.Background(), staleCfg, record)
	}()
	<-staleStub.started

	// A second caller joins the in-flight stale load.
	joinedDone := make(chan error, 1)
	go func() {
		joinedDone <- m.EnsureReady(context.Background(), staleCfg, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.EnsureReady(context.Background(), ModelConfig{ModelID: "fresh", Device: "cpu"}, nil))
	close(staleStub.release)

	assert.ErrorIs(t, <-firstDone, ErrSuperseded)
	assert.ErrorIs(t, <-joinedDone, ErrSuperseded)
	assert.True(t, staleStub.closed.Load())
	assert.Equal(t, "fresh", m.Status().ActiveModel.ModelID)

	// The displaced load must not report itself ready.
	mu.Lock()
	defer mu.Unlock()
	for _, p := range staleEvents {
		assert.NotEqual(t, StageReady, p.Stage)
	}
}

func TestDeviceResolutionHonorsExplicitRequest(t *testing.T) {
	var seen []string
	m := NewManager(func(cfg ModelConfig) Runtime {
		seen = append(seen, cfg.Device)
		return &stubRuntime{}
	}, func(d string) string {
		if d == "auto" {
			return "cpu"
		}
		return d
	})

	require.NoError(t, m.EnsureReady(context.Background(), ModelConfig{ModelID: "m", Device: "auto"}, nil))
	require.NoError(t, m.EnsureReady(context.Background(), ModelConfig{ModelID: "m", Device: "cuda"}, nil))

	require.Equal(t, []string{"cpu", "cuda"}, seen)
	assert.Equal(t, "cuda", m.Status().ActiveModel.Device)
}

func TestEmbedBeforeLoad(t *testing.T) {
	m := NewManager(func(ModelConfig) Runtime { return &stubRuntime{} }, passthroughDevice)
	_, err := m.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrNotReady)
}
