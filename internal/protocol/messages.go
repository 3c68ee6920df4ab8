package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"balancerd/pkg/types"
)

// ErrMalformedMessage marks a frame that could not be decoded or validated.
var ErrMalformedMessage = errors.New("malformed message")

// Error codes carried by Error messages.
const (
	CodeBadRequest  = 400
	CodeInternal    = 500
	CodeUnavailable = 503
)

// Kind is the top-level message discriminator.
type Kind string

const (
	KindNotification Kind = "notification"
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindError        Kind = "error"
)

// Message is one frame on the control channel. Exactly one payload matching
// Kind is set.
type Message struct {
	Kind         Kind          `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Error        *Error        `json:"error,omitempty"`
}

// NotificationKind tags a Notification.
type NotificationKind string

const (
	NotifyRegisterAgent     NotificationKind = "register_agent"
	NotifyDeregisterAgent   NotificationKind = "deregister_agent"
	NotifyUpdateAgentStatus NotificationKind = "update_agent_status"
	NotifySetState          NotificationKind = "set_state"
	NotifyVersion           NotificationKind = "version"
	NotifyStopGeneration    NotificationKind = "stop_generation"
)

// Notification is a fire-and-forget message.
type Notification struct {
	Kind              NotificationKind         `json:"kind"`
	RegisterAgent     *RegisterAgentParams     `json:"register_agent,omitempty"`
	UpdateAgentStatus *UpdateAgentStatusParams `json:"update_agent_status,omitempty"`
	SetState          *SetStateParams          `json:"set_state,omitempty"`
	Version           *VersionParams           `json:"version,omitempty"`
	StopGeneration    *StopGenerationParams    `json:"stop_generation,omitempty"`
}

type RegisterAgentParams struct {
	// AgentID is optional; the balancer assigns one when empty.
	AgentID string             `json:"agent_id,omitempty"`
	Name    string             `json:"name"`
	Status  types.SlotSnapshot `json:"status"`
}

type UpdateAgentStatusParams struct {
	Status types.SlotSnapshot `json:"status"`
}

type SetStateParams struct {
	DesiredState *types.DesiredState `json:"desired_state"`
}

type VersionParams struct {
	Version string `json:"version"`
}

type StopGenerationParams struct {
	RequestID string `json:"request_id"`
}

// RequestKind tags a Request.
type RequestKind string

const RequestGenerateTokens RequestKind = "generate_tokens"

// Request starts a correlated operation.
type Request struct {
	ID             string                `json:"id"`
	Kind           RequestKind           `json:"kind"`
	GenerateTokens *GenerateTokensParams `json:"generate_tokens,omitempty"`
}

type GenerateTokensParams struct {
	MaxTokens int    `json:"max_tokens"`
	Prompt    string `json:"prompt"`
}

// ResponseKind tags a Response.
type ResponseKind string

const (
	ResponseGeneratedToken    ResponseKind = "generated_token"
	ResponseDone              ResponseKind = "done"
	ResponseChatTemplateError ResponseKind = "chat_template_error"
)

// Response is one reply to a Request. A request may receive many
// generated_token responses followed by done or chat_template_error.
type Response struct {
	RequestID string       `json:"request_id"`
	Kind      ResponseKind `json:"kind"`
	Token     string       `json:"token,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Terminal reports whether no further responses follow for the request.
func (r *Response) Terminal() bool { return r.Kind != ResponseGeneratedToken }

// Error ends the correlated operation. RequestID is empty for errors about
// frames that could not be correlated.
type Error struct {
	RequestID   string  `json:"request_id,omitempty"`
	Code        int     `json:"code"`
	Description *string `json:"description,omitempty"`
}

// RemoteError is an Error received from the peer.
type RemoteError struct {
	Code        int
	Description string
}

func (e *RemoteError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Description)
}

// AsError converts a received Error payload.
func (e *Error) AsError() *RemoteError {
	re := &RemoteError{Code: e.Code}
	if e.Description != nil {
		re.Description = *e.Description
	}
	return re
}

func notification(n Notification) Message {
	return Message{Kind: KindNotification, Notification: &n}
}

func RegisterAgent(agentID, name string, status types.SlotSnapshot) Message {
	return notification(Notification{Kind: NotifyRegisterAgent, RegisterAgent: &RegisterAgentParams{AgentID: agentID, Name: name, Status: status}})
}

func DeregisterAgent() Message {
	return notification(Notification{Kind: NotifyDeregisterAgent})
}

func UpdateAgentStatus(status types.SlotSnapshot) Message {
	return notification(Notification{Kind: NotifyUpdateAgentStatus, UpdateAgentStatus: &UpdateAgentStatusParams{Status: status}})
}

func SetState(ds *types.DesiredState) Message {
	return notification(Notification{Kind: NotifySetState, SetState: &SetStateParams{DesiredState: ds}})
}

func Version(v string) Message {
	return notification(Notification{Kind: NotifyVersion, Version: &VersionParams{Version: v}})
}

func StopGeneration(requestID string) Message {
	return notification(Notification{Kind: NotifyStopGeneration, StopGeneration: &StopGenerationParams{RequestID: requestID}})
}

func GenerateTokens(id string, maxTokens int, prompt string) Message {
	return Message{Kind: KindRequest, Request: &Request{ID: id, Kind: RequestGenerateTokens, GenerateTokens: &GenerateTokensParams{MaxTokens: maxTokens, Prompt: prompt}}}
}

func GeneratedToken(requestID, token string) Message {
	return Message{Kind: KindResponse, Response: &Response{RequestID: requestID, Kind: ResponseGeneratedToken, Token: token}}
}

func Done(requestID string) Message {
	return Message{Kind: KindResponse, Response: &Response{RequestID: requestID, Kind: ResponseDone}}
}

func ChatTemplateError(requestID, reason string) Message {
	return Message{Kind: KindResponse, Response: &Response{RequestID: requestID, Kind: ResponseChatTemplateError, Reason: reason}}
}

// ErrorMessage builds an Error frame. An empty description is omitted.
func ErrorMessage(requestID string, code int, description string) Message {
	e := &Error{RequestID: requestID, Code: code}
	if description != "" {
		e.Description = &description
	}
	return Message{Kind: KindError, Error: e}
}

// Encode serializes a message after validating it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates one frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// Validate checks that the payload matching Kind is present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindNotification:
		if m.Notification == nil {
			return malformed("notification payload missing")
		}
		return m.Notification.validate()
	case KindRequest:
		if m.Request == nil {
			return malformed("request payload missing")
		}
		if m.Request.ID == "" {
			return malformed("request id missing")
		}
		if m.Request.Kind != RequestGenerateTokens || m.Request.GenerateTokens == nil {
			return malformed("unsupported request %q", m.Request.Kind)
		}
		return nil
	case KindResponse:
		if m.Response == nil || m.Response.RequestID == "" {
			return malformed("response payload or request id missing")
		}
		switch m.Response.Kind {
		case ResponseGeneratedToken, ResponseDone, ResponseChatTemplateError:
			return nil
		}
		return malformed("unsupported response %q", m.Response.Kind)
	case KindError:
		if m.Error == nil {
			return malformed("error payload missing")
		}
		return nil
	}
	return malformed("unknown kind %q", m.Kind)
}

func (n *Notification) validate() error {
	var ok bool
	switch n.Kind {
	case NotifyRegisterAgent:
		ok = n.RegisterAgent != nil
	case NotifyDeregisterAgent:
		ok = true
	case NotifyUpdateAgentStatus:
		ok = n.UpdateAgentStatus != nil
	case NotifySetState:
		ok = n.SetState != nil
	case NotifyVersion:
		ok = n.Version != nil
	case NotifyStopGeneration:
		ok = n.StopGeneration != nil && n.StopGeneration.RequestID != ""
	default:
		return malformed("unknown notification %q", n.Kind)
	}
	if !ok {
		return malformed("%s payload missing", n.Kind)
	}
	return nil
}
