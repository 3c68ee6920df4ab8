package agent

import "context"

// InferenceAdapter abstracts the model runtime used by the slot workers.
type InferenceAdapter interface {
	// Start loads a model into a fresh session. Each slot owns one session.
	Start(modelPath string, params LoadParams) (InferSession, error)
}

// InferSession is one loaded model context serving one request at a time.
type InferSession interface {
	// Generate streams tokens for prompt to onToken. Implementations must
	// return when ctx is canceled or onToken returns an error.
	Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error)
	// Close releases any resources associated with the session.
	Close() error
}

// LoadParams are fixed for the lifetime of a session.
type LoadParams struct {
	ContextSize  int
	Threads      int
	ChatTemplate string
}

// InferParams captures per-request generation parameters.
type InferParams struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
