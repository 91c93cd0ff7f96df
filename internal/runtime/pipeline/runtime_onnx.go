package pipeline

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	modelFile = "model.onnx"
	vocabFile = "vocab.txt"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// DetectDevice resolves "auto" by probing for CUDA support, falling back to
// the portable CPU path. Explicit device requests pass through untouched.
// The probe needs an initialized onnxruntime environment, so the library is
// loaded here if nothing has loaded it yet; libPath may be empty to use the
// default search path.
func DetectDevice(libPath, requested string) string {
	if requested != "auto" {
		return requested
	}
	if err := initORT(libPath); err != nil {
		return "cpu"
	}
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return "cpu"
	}
	_ = opts.Destroy()
	return "cuda"
}

// onnxRuntime hosts a sentence-embedding transformer via onnxruntime:
// WordPiece tokenization, transformer forward pass, masked mean pooling over
// the token axis, then L2 normalization.
type onnxRuntime struct {
	fetcher *Fetcher
	libPath string
	dim     int

	mu        sync.Mutex
	tokenizer *wordpieceTokenizer
	session   *ort.DynamicAdvancedSession
	inputs    []string
}

// NewONNXRuntime builds a local inference runtime. dim is the deployment-wide
// embedding dimensionality; a model producing anything else is rejected at
// inference time.
func NewONNXRuntime(fetcher *Fetcher, libPath string, dim int) Runtime {
	return &onnxRuntime{fetcher: fetcher, libPath: libPath, dim: dim}
}

func (r *onnxRuntime) Load(ctx context.Context, cfg ModelConfig, onProgress func(Progress)) error {
	modelDir, err := r.fetcher.Ensure(ctx, cfg.ModelID, []string{modelFile, vocabFile}, onProgress)
	if err != nil {
		return err
	}

	if err := initORT(r.libPath); err != nil {
		return fmt.Errorf("onnx init environment failed: %w", err)
	}

	vocab, err := loadVocab(filepath.Join(modelDir, vocabFile))
	if err != nil {
		return err
	}
	tokenizer, err := newWordpieceTokenizer(vocab)
	if err != nil {
		return err
	}

	modelPath := filepath.Join(modelDir, modelFile)
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("onnx get input/output info failed: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("onnx model has no inputs or outputs")
	}
	inputNames := make([]string, len(inputs))
	for i := range inputs {
		inputNames[i] = inputs[i].Name
	}

	options, err := r.sessionOptions(cfg.Device)
	if err != nil {
		return err
	}
	if options != nil {
		defer options.Destroy()
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputs[0].Name}, options)
	if err != nil {
		return fmt.Errorf("onnx new session failed: %w", err)
	}

	r.mu.Lock()
	r.tokenizer = tokenizer
	r.session = session
	r.inputs = inputNames
	r.mu.Unlock()
	return nil
}

func (r *onnxRuntime) sessionOptions(device string) (*ort.SessionOptions, error) {
	if device != "cuda" {
		return nil, nil
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx new session options failed: %w", err)
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("cuda requested but unavailable: %w", err)
	}
	defer cudaOpts.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("append cuda provider failed: %w", err)
	}
	return options, nil
}

func (r *onnxRuntime) Embed(_ context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, ErrNotReady
	}

	ids := make([][]int64, len(texts))
	masks := make([][]int64, len(texts))
	for i, text := range texts {
		ids[i], masks[i] = r.tokenizer.Encode(text)
	}
	ids, masks, seqLen := padBatch(ids, masks, r.tokenizer.pad)
	batch := int64(len(texts))

	shape := ort.NewShape(batch, int64(seqLen))
	inputIDs, err := ort.NewTensor(shape, flatten(ids))
	if err != nil {
		return nil, fmt.Errorf("onnx new input tensor failed: %w", err)
	}
	defer inputIDs.Destroy()
	attention, err := ort.NewTensor(shape, flatten(masks))
	if err != nil {
		return nil, fmt.Errorf("onnx new mask tensor failed: %w", err)
	}
	defer attention.Destroy()

	inputValues := make([]ort.Value, 0, len(r.inputs))
	var extras []*ort.Tensor[int64]
	for _, name := range r.inputs {
		switch name {
		case "input_ids":
			inputValues = append(inputValues, inputIDs)
		case "attention_mask":
			inputValues = append(inputValues, attention)
		default:
			// token_type_ids and friends: all zeros.
			zeros, zerr := ort.NewTensor(shape, make([]int64, batch*int64(seqLen)))
			if zerr != nil {
				for _, e := range extras {
					e.Destroy()
				}
				return nil, fmt.Errorf("onnx new zero tensor failed: %w", zerr)
			}
			extras = append(extras, zeros)
			inputValues = append(inputValues, zeros)
		}
	}
	defer func() {
		for _, e := range extras {
			e.Destroy()
		}
	}()

	outputs := []ort.Value{nil}
	if err := r.session.Run(inputValues, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx output is not a float32 tensor")
	}
	defer hidden.Destroy()

	outShape := hidden.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	hiddenDim := int(outShape[2])
	if hiddenDim != r.dim {
		return nil, fmt.Errorf("model produced %d-dim vectors, configured for %d", hiddenDim, r.dim)
	}

	return meanPool(hidden.GetData(), masks, seqLen, hiddenDim), nil
}

func (r *onnxRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		err := r.session.Destroy()
		r.session = nil
		if err != nil {
			return fmt.Errorf("onnx destroy session failed: %w", err)
		}
	}
	return nil
}

func flatten(rows [][]int64) []int64 {
	out := make([]int64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

// meanPool collapses per-token hidden states into one vector per text:
// attention-masked mean over the token axis, then L2 normalization.
func meanPool(hidden []float32, masks [][]int64, seqLen, dim int) [][]float32 {
	vectors := make([][]float32, len(masks))
	for b := range masks {
		vec := make([]float32, dim)
		var count float32
		for s := 0; s < seqLen; s++ {
			if masks[b][s] == 0 {
				continue
			}
			count++
			base := (b*seqLen + s) * dim
			for d := 0; d < dim; d++ {
				vec[d] += hidden[base+d]
			}
		}
		if count > 0 {
			for d := range vec {
				vec[d] /= count
			}
		}
		vectors[b] = l2Normalize(vec)
	}
	return vectors
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
