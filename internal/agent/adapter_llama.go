//go:build llama

package agent

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaBuilt reports whether this binary was compiled with llama support.
const LlamaBuilt = true

type llamaAdapter struct {
	threads int
}

// NewLlamaAdapter returns the in-process go-llama.cpp backend.
func NewLlamaAdapter(threads int) InferenceAdapter {
	return &llamaAdapter{threads: threads}
}

// llamaSession owns one loaded model.
type llamaSession struct {
	model   *llama.LLama
	threads int
}

func (a *llamaAdapter) Start(modelPath string, params LoadParams) (InferSession, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	var mo []llama.ModelOption
	if params.ContextSize > 0 {
		mo = append(mo, llama.SetContext(params.ContextSize))
	}
	m, err := llama.New(modelPath, mo...)
	if err != nil {
		return nil, err
	}
	threads := a.threads
	if params.Threads > 0 {
		threads = params.Threads
	}
	return &llamaSession{model: m, threads: threads}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}
	var completion int
	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		completion++
		return true
	})
	text, err := s.model.Predict(prompt, predictOptions(params, s.threads)...)
	if ctx.Err() != nil {
		return FinalResult{}, ctx.Err()
	}
	if cbErr != nil {
		return FinalResult{}, cbErr
	}
	if err != nil {
		return FinalResult{}, err
	}
	reason := "stop"
	if params.MaxTokens > 0 && completion >= params.MaxTokens {
		reason = "length"
	}
	return FinalResult{
		Content:      text,
		Usage:        Usage{CompletionTokens: completion, TotalTokens: completion},
		FinishReason: reason,
	}, nil
}

func (s *llamaSession) Close() error {
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orFloat(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts request params into go-llama.cpp options.
func predictOptions(params InferParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(orInt(params.MaxTokens, llama.DefaultOptions.Tokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(orFloat(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(orInt(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(orFloat(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(orFloat(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
