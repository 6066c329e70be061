package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound frames from the voice-agent service are either raw binary audio or
// JSON text events. The JSON side is decoded into a closed set of event kinds;
// anything unrecognized becomes UnhandledEvent so the pipeline can log and
// drop it instead of guessing.

type AudioEvent struct {
	Data []byte
}

type ConversationTextEvent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UserStartedSpeakingEvent struct{}

type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

type FunctionCallRequestEvent struct {
	Functions []FunctionCall `json:"functions"`
}

type ErrorEvent struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type SettingsAppliedEvent struct{}

type UnhandledEvent struct {
	Type string
}

type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// DecodeServerMessage turns one WebSocket frame from the agent service into an
// event. messageBinary distinguishes synthesized audio frames from JSON text.
func DecodeServerMessage(messageBinary bool, data []byte) (any, error) {
	if messageBinary {
		return AudioEvent{Data: data}, nil
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Message: "invalid json frame from agent service"}
	}

	switch strings.TrimSpace(envelope.Type) {
	case "ConversationText":
		var ev ConversationTextEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Message: "invalid ConversationText event"}
		}
		return ev, nil
	case "UserStartedSpeaking":
		return UserStartedSpeakingEvent{}, nil
	case "FunctionCallRequest":
		var ev FunctionCallRequestEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Message: "invalid FunctionCallRequest event"}
		}
		for i, fn := range ev.Functions {
			if strings.TrimSpace(fn.Name) == "" {
				return nil, &ProtocolError{Message: fmt.Sprintf("function call %d has no name", i)}
			}
		}
		return ev, nil
	case "Error":
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Message: "invalid Error event"}
		}
		return ev, nil
	case "SettingsApplied":
		return SettingsAppliedEvent{}, nil
	case "":
		return nil, &ProtocolError{Message: "agent event missing type"}
	default:
		return UnhandledEvent{Type: envelope.Type}, nil
	}
}
