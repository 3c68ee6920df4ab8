//go:build !llama

package agent

import "context"

// LlamaBuilt reports whether this binary was compiled with llama support.
const LlamaBuilt = false

const llamaMissing = "llama support not built (missing 'llama' build tag)"

// llamaAdapter refuses to load models so default builds stay CGO-free.
type llamaAdapter struct {
	threads int
}

// NewLlamaAdapter returns a backend that fails every Start.
func NewLlamaAdapter(threads int) InferenceAdapter {
	return &llamaAdapter{threads: threads}
}

type llamaSession struct{}

func (a *llamaAdapter) Start(modelPath string, params LoadParams) (InferSession, error) {
	return nil, ErrDependencyUnavailable(llamaMissing)
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	if err := ctx.Err(); err != nil {
		return FinalResult{}, err
	}
	return FinalResult{}, ErrDependencyUnavailable(llamaMissing)
}

func (s *llamaSession) Close() error { return nil }
