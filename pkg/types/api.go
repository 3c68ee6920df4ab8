package types

// GenerateRequest is the body of POST /api/v1/generate.
type GenerateRequest struct {
	// Prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
}

// GenerateLine is one NDJSON line streamed by POST /api/v1/generate.
type GenerateLine struct {
	Token string `json:"token,omitempty"`
	Done  bool   `json:"done,omitempty"`
	// Agent that served the request; set on the final line.
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentsResponse is returned by GET /api/v1/agents and each stream event.
type AgentsResponse struct {
	Agents []AgentControllerSnapshot `json:"agents"`
	// Requests currently parked waiting for a free slot.
	// example: 0
	BufferedRequests int32 `json:"buffered_requests" example:"0"`
}

// StatusUpdateRequest is the body of POST /api/v1/agents/status_update.
type StatusUpdateRequest struct {
	AgentID string       `json:"agent_id"`
	Status  SlotSnapshot `json:"status"`
}

// BalancerDesiredStateResponse wraps the fleet desired state.
type BalancerDesiredStateResponse struct {
	DesiredState *DesiredState `json:"desired_state"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
