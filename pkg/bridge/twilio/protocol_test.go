package twilio

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeStreamEvent_Start(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"MZ123","callSid":"CA456"}}`
	ev, err := DecodeStreamEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := ev.(StartEvent)
	if !ok {
		t.Fatalf("event=%T, want StartEvent", ev)
	}
	if start.StreamSID != "MZ123" || start.CallSID != "CA456" {
		t.Fatalf("start=%+v", start)
	}
}

func TestDecodeStreamEvent_MediaDecodesPayload(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0x7f, 0x00, 0xff})
	raw := `{"event":"media","media":{"payload":"` + payload + `"}}`
	ev, err := DecodeStreamEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	media, ok := ev.(MediaEvent)
	if !ok {
		t.Fatalf("event=%T, want MediaEvent", ev)
	}
	if len(media.Audio) != 3 || media.Audio[0] != 0x7f {
		t.Fatalf("audio=%v", media.Audio)
	}
}

func TestDecodeStreamEvent_Stop(t *testing.T) {
	ev, err := DecodeStreamEvent([]byte(`{"event":"stop"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := ev.(StopEvent); !ok {
		t.Fatalf("event=%T, want StopEvent", ev)
	}
}

func TestDecodeStreamEvent_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"missing event", `{"media":{"payload":"aGk="}}`},
		{"unknown event", `{"event":"teleport"}`},
		{"media without payload", `{"event":"media","media":{}}`},
		{"media bad base64", `{"event":"media","media":{"payload":"!!!"}}`},
		{"start without sid", `{"event":"start","start":{"callSid":"CA1"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeStreamEvent([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected decode error")
			}
			var decodeErr *DecodeError
			if !asDecodeError(err, &decodeErr) {
				t.Fatalf("err=%T, want *DecodeError", err)
			}
		})
	}
}

func TestDecodeStreamEvent_IgnoredLifecycleEvents(t *testing.T) {
	for _, raw := range []string{`{"event":"connected"}`, `{"event":"mark"}`, `{"event":"dtmf"}`} {
		ev, err := DecodeStreamEvent([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if ev != nil {
			t.Fatalf("event=%v, want nil for %s", ev, raw)
		}
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func TestEncodeMedia_RoundTrip(t *testing.T) {
	out, err := EncodeMedia("MZ123", []byte("hello"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var msg struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != "media" || msg.StreamSID != "MZ123" {
		t.Fatalf("msg=%+v", msg)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil || string(decoded) != "hello" {
		t.Fatalf("payload=%q err=%v", msg.Media.Payload, err)
	}
}

func TestEncodeClear(t *testing.T) {
	out, err := EncodeClear("MZ123")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), `"event":"clear"`) || !strings.Contains(string(out), `"streamSid":"MZ123"`) {
		t.Fatalf("out=%s", out)
	}

	if _, err := EncodeClear("  "); err == nil {
		t.Fatalf("expected error for empty stream sid")
	}
}

func TestStreamTwiML(t *testing.T) {
	out, err := StreamTwiML("https://bridge.example.com")
	if err != nil {
		t.Fatalf("twiml: %v", err)
	}
	body := string(out)
	if !strings.Contains(body, `<Stream url="wss://bridge.example.com/twilio">`) &&
		!strings.Contains(body, `<Stream url="wss://bridge.example.com/twilio"`) {
		t.Fatalf("body=%s", body)
	}
	if !strings.Contains(body, "<Connect>") {
		t.Fatalf("missing Connect verb: %s", body)
	}

	if _, err := StreamTwiML("ftp://nope"); err == nil {
		t.Fatalf("expected error for non-http server url")
	}
}
