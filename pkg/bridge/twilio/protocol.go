package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Media streams speak JSON text frames over a single duplex WebSocket per
// call: a "start" event carrying the stream/call identifiers, "media" events
// carrying base64 mulaw payloads, and a final "stop". Outbound we send "media"
// and "clear" events keyed by the stream SID.

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badEvent(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_event", Message: message, Param: param}
}

type StartEvent struct {
	StreamSID string
	CallSID   string
}

type MediaEvent struct {
	// Audio is the decoded payload, raw mulaw at 8 kHz.
	Audio []byte
}

type StopEvent struct{}

// DecodeStreamEvent parses one inbound media-stream frame into a closed set
// of event kinds. Unknown event names and malformed payloads surface as
// *DecodeError so callers can log and drop them without ending the call.
func DecodeStreamEvent(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
		Start *struct {
			StreamSID string `json:"streamSid"`
			CallSID   string `json:"callSid"`
		} `json:"start"`
		Media *struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badEvent("invalid json frame", "")
	}

	switch strings.TrimSpace(envelope.Event) {
	case "start":
		if envelope.Start == nil {
			return nil, badEvent("start event missing start payload", "start")
		}
		if strings.TrimSpace(envelope.Start.StreamSID) == "" {
			return nil, badEvent("start.streamSid is required", "start.streamSid")
		}
		return StartEvent{
			StreamSID: strings.TrimSpace(envelope.Start.StreamSID),
			CallSID:   strings.TrimSpace(envelope.Start.CallSID),
		}, nil
	case "media":
		if envelope.Media == nil || strings.TrimSpace(envelope.Media.Payload) == "" {
			return nil, badEvent("media.payload is required", "media.payload")
		}
		audio, err := base64.StdEncoding.DecodeString(envelope.Media.Payload)
		if err != nil {
			return nil, badEvent("media.payload is not valid base64", "media.payload")
		}
		return MediaEvent{Audio: audio}, nil
	case "stop":
		return StopEvent{}, nil
	case "connected", "mark", "dtmf":
		// Lifecycle noise the bridge does not act on.
		return nil, nil
	case "":
		return nil, badEvent("missing event", "event")
	default:
		return nil, badEvent("unsupported event", "event")
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia wraps raw agent audio into an outbound media event, base64
// encoding the payload the way the provider expects.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	if strings.TrimSpace(streamSID) == "" {
		return nil, fmt.Errorf("stream sid is required")
	}
	msg := outboundMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(msg)
}

// EncodeClear builds the buffer-clear instruction that discards any audio the
// provider has queued for playback on this stream.
func EncodeClear(streamSID string) ([]byte, error) {
	if strings.TrimSpace(streamSID) == "" {
		return nil, fmt.Errorf("stream sid is required")
	}
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
}
