// Package backend provides swappable step-executor and tokenizer
// implementations behind the fastgen core interfaces: an ONNX Runtime
// executor, a remote HTTP executor, and a HuggingFace tokenizer.
package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	ort "github.com/yalue/onnxruntime_go"

	"fastgen-go/fastgen"
)

// ONNXExecutor runs step execution through an ONNX Runtime session. It is a
// stateless backend: it holds no KV cache of its own and recomputes the full
// token prefix for every sampled position, so intermediate prefill chunks
// need no work here; only entries that produce a token touch the model.
type ONNXExecutor struct {
	modelPath string
	vocabSize int
	rng       *rand.Rand
}

// NewONNXExecutor initializes the ONNX Runtime environment and returns an
// executor for the given model.
func NewONNXExecutor(modelPath string, vocabSize int, seed int64) (*ONNXExecutor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	return &ONNXExecutor{
		modelPath: modelPath,
		vocabSize: vocabSize,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

func (m *ONNXExecutor) Name() string { return "onnx" }

// Execute samples a next token for every decode entry and final prefill
// chunk in the batch. Any runtime fault is wrapped as an ExecutionError so
// the engine can fail the batch without touching unrelated sequences.
func (m *ONNXExecutor) Execute(ctx context.Context, batch *fastgen.Batch) ([]fastgen.StepResult, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
	}

	var results []fastgen.StepResult
	for _, entry := range batch.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
		}
		if !entry.ProducesToken() {
			continue
		}
		tokenID, err := m.forward(entry.Seq.TokenIDs, entry.Seq.Temperature, options)
		if err != nil {
			return nil, &fastgen.ExecutionError{Backend: m.Name(), Err: err}
		}
		results = append(results, fastgen.StepResult{SeqID: entry.Seq.SeqID, TokenID: tokenID})
	}
	return results, nil
}

func (m *ONNXExecutor) forward(tokenIDs []int, temperature float64, options *ort.SessionOptions) (int, error) {
	inputShape := ort.NewShape(1, int64(len(tokenIDs)))
	inputData := make([]int64, len(tokenIDs))
	for i, id := range tokenIDs {
		inputData[i] = int64(id)
	}
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(len(tokenIDs)), int64(m.vocabSize))
	outputData := make([]float32, len(tokenIDs)*m.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	lastStart := (len(tokenIDs) - 1) * m.vocabSize
	return m.sample(logits[lastStart:lastStart+m.vocabSize], temperature), nil
}

// sample draws a token from temperature-scaled softmax; temperature zero is
// greedy.
func (m *ONNXExecutor) sample(logits []float32, temperature float64) int {
	if temperature == 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}

	scaled := make([]float32, len(logits))
	copy(scaled, logits)
	if temperature != 1.0 {
		for i := range scaled {
			scaled[i] /= float32(temperature)
		}
	}

	maxLogit := scaled[0]
	for _, v := range scaled {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sumExp float32
	probs := make([]float32, len(scaled))
	for i, v := range scaled {
		probs[i] = float32(math.Exp(float64(v - maxLogit)))
		sumExp += probs[i]
	}

	r := m.rng.Float32() * sumExp
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

func (m *ONNXExecutor) Close() error {
	return nil
}
