package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"balancerd/internal/agent"
	"balancerd/internal/balancer"
	"balancerd/internal/fleet"
	"balancerd/internal/httpapi"
	"balancerd/internal/registry"
	"balancerd/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with placeholder
// .gguf files and returns its path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// stack is a balancer with both HTTP surfaces served by httptest.
type stack struct {
	balancer   *balancer.Balancer
	management *httptest.Server
	inference  *httptest.Server
}

func (s *stack) agentSocketURL() string {
	return "ws" + strings.TrimPrefix(s.management.URL, "http") + "/api/v1/agent_socket"
}

func newStack(t *testing.T, cfg balancer.Config) *stack {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	b := balancer.New(cfg, fleet.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	opts := httpapi.Options{BaseContext: ctx, Logger: zerolog.Nop()}
	s := &stack{
		balancer:   b,
		management: httptest.NewServer(httpapi.NewManagementMux(b, opts)),
		inference:  httptest.NewServer(httpapi.NewInferenceMux(b, opts)),
	}
	t.Cleanup(func() {
		cancel()
		s.management.Close()
		s.inference.Close()
	})
	return s
}

// startAgent runs an agent against the stack until the test ends.
func startAgent(t *testing.T, s *stack, name, modelsDir string, adapter agent.InferenceAdapter) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		BalancerURL:    s.agentSocketURL(),
		Name:           name,
		StatusInterval: time.Second,
		Logger:         zerolog.Nop(),
	}, adapter, registry.NewResolver(modelsDir, "", zerolog.Nop()))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpSendJSON(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func agentsOf(t *testing.T, s *stack) types.AgentsResponse {
	t.Helper()
	resp, body := httpGet(t, s.management.URL+"/api/v1/agents")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/api/v1/agents status=%d body=%s", resp.StatusCode, body)
	}
	var out types.AgentsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("/api/v1/agents json: %v body=%s", err, body)
	}
	return out
}

func putDesiredState(t *testing.T, s *stack, ds types.DesiredState) {
	t.Helper()
	payload, _ := json.Marshal(ds)
	resp, body := httpSendJSON(t, http.MethodPut, s.management.URL+"/api/v1/balancer_desired_state", payload)
	if resp.StatusCode/100 != 2 {
		t.Fatalf("put desired state status=%d body=%s", resp.StatusCode, body)
	}
}

// parseNDJSON splits a generate response into its lines.
func parseNDJSON(t *testing.T, body []byte) []types.GenerateLine {
	t.Helper()
	var lines []types.GenerateLine
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var l types.GenerateLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("ndjson line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

// echoAdapter streams the prompt's words back as tokens. When gate is set
// every generation waits for it to close first.
type echoAdapter struct {
	gate chan struct{}

	mu     sync.Mutex
	loaded []string
}

func (a *echoAdapter) Start(modelPath string, _ agent.LoadParams) (agent.InferSession, error) {
	a.mu.Lock()
	a.loaded = append(a.loaded, modelPath)
	a.mu.Unlock()
	return &echoSession{gate: a.gate}, nil
}

type echoSession struct{ gate chan struct{} }

func (s *echoSession) Generate(ctx context.Context, prompt string, params agent.InferParams, onToken func(string) error) (agent.FinalResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return agent.FinalResult{}, ctx.Err()
		}
	}
	words := strings.Fields(prompt)
	if params.MaxTokens > 0 && len(words) > params.MaxTokens {
		words = words[:params.MaxTokens]
	}
	for i, w := range words {
		tok := w
		if i > 0 {
			tok = " " + w
		}
		if err := onToken(tok); err != nil {
			return agent.FinalResult{}, err
		}
	}
	return agent.FinalResult{Content: strings.Join(words, " "), FinishReason: "stop"}, nil
}

func (s *echoSession) Close() error { return nil }
