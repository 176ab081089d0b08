package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ajessitech/figmacopilot-sub001/errors"
)

// Envelope is the single wire unit exchanged over a relay socket. It is a
// tagged union over Type: only the fields relevant to a given type are
// populated, everything else stays at its zero value and is omitted from the
// encoded JSON. Payload fields (Params, Result, Error) are opaque to the
// relay; validating them is the frontend's and backend's responsibility.
type Envelope struct {
	Type Type `json:"type"`

	// join
	Role    Role   `json:"role,omitempty"`
	Channel string `json:"channel,omitempty"`

	// user_prompt / agent_response_chunk / agent_response
	Text string `json:"text,omitempty"`

	// tool_call / tool_response
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`

	// agent_response_chunk / agent_response
	ResponseID string `json:"response_id,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`

	// error (relay-originated)
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	RefID   string    `json:"ref_id,omitempty"`

	// system (relay-originated)
	Event  string      `json:"event,omitempty"`
	Reason CloseReason `json:"reason,omitempty"`
}

// Parse decodes and validates a raw frame into an Envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "Parse", "unmarshal envelope")
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// Validate checks the type tag and the per-type required fields. Payload
// contents are deliberately not inspected.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if !e.Role.Valid() {
			return validationError(fmt.Sprintf("join: invalid role %q", e.Role))
		}
		if e.Channel == "" {
			return validationError("join: channel is required")
		}
	case TypeLeave:
		// No required fields.
	case TypeUserPrompt:
		if e.Text == "" {
			return validationError("user_prompt: text is required")
		}
	case TypeToolCall:
		if e.ID == "" {
			return validationError("tool_call: id is required")
		}
		if e.Command == "" {
			return validationError("tool_call: command is required")
		}
	case TypeToolResponse:
		if e.ID == "" {
			return validationError("tool_response: id is required")
		}
	case TypeAgentResponseChunk:
		if e.ResponseID == "" {
			return validationError("agent_response_chunk: response_id is required")
		}
	case TypeAgentResponse:
		if e.ResponseID == "" {
			return validationError("agent_response: response_id is required")
		}
	case TypeError, TypeSystem:
		// Relay-originated types are accepted on the wire but carry no
		// client-required fields.
	case "":
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "protocol", "Validate", "missing message type")
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownType, e.Type),
			"protocol", "Validate", "check message type")
	}

	return nil
}

func validationError(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidEnvelope, msg),
		"protocol", "Validate", "check required fields")
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "Encode", "marshal envelope")
	}
	return data, nil
}

// NewError builds a relay-originated error envelope. refID is optional and
// references the offending message's identifier when it had one.
func NewError(code ErrorCode, message, refID string) *Envelope {
	return &Envelope{
		Type:    TypeError,
		Code:    code,
		Message: message,
		RefID:   refID,
	}
}

// NewSystem builds a relay-originated notice.
func NewSystem(event string, reason CloseReason) *Envelope {
	return &Envelope{
		Type:   TypeSystem,
		Event:  event,
		Reason: reason,
	}
}

// NewTimeoutResult synthesizes the tool response delivered when a pending
// call's deadline fires. It mirrors the shape of a frontend error result so
// backend call sites need no special handling.
func NewTimeoutResult(callID string) *Envelope {
	payload, _ := json.Marshal(map[string]string{
		"kind":    "timeout",
		"message": "tool call timed out waiting for frontend response",
	})
	return &Envelope{
		Type:  TypeToolResponse,
		ID:    callID,
		Error: payload,
	}
}
