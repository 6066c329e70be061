package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://api.twilio.com"

// Dialer places outbound calls through the provider REST API and renders the
// connect markup that points the answered call at our media-stream endpoint.
type Dialer struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	ServerURL   string
	APIBaseURL  string
	HTTPClient  *http.Client
	StatusEvent []string
}

type CallResult struct {
	CallSID string `json:"sid"`
	Status  string `json:"status"`
}

func (d *Dialer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 12 * time.Second}
}

// StartCall asks the provider to dial the destination number. The answered
// call fetches /twiml from us, which connects its media stream back to the
// bridge.
func (d *Dialer) StartCall(ctx context.Context, toNumber string) (CallResult, error) {
	toNumber = strings.TrimSpace(toNumber)
	if !strings.HasPrefix(toNumber, "+") {
		return CallResult{}, fmt.Errorf("destination must be E.164 with a leading +")
	}
	if strings.TrimSpace(d.AccountSID) == "" || strings.TrimSpace(d.AuthToken) == "" {
		return CallResult{}, fmt.Errorf("provider credentials are not configured")
	}

	base := strings.TrimSpace(d.APIBaseURL)
	if base == "" {
		base = defaultAPIBaseURL
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", base, url.PathEscape(d.AccountSID))

	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", d.FromNumber)
	form.Set("Url", strings.TrimRight(d.ServerURL, "/")+"/twiml")
	form.Set("StatusCallback", strings.TrimRight(d.ServerURL, "/")+"/call-status")
	events := d.StatusEvent
	if len(events) == 0 {
		events = []string{"initiated", "ringing", "answered", "completed"}
	}
	for _, ev := range events {
		form.Add("StatusCallbackEvent", ev)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return CallResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.AccountSID, d.AuthToken)

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("create call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CallResult{}, fmt.Errorf("read call response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CallResult{}, fmt.Errorf("create call: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out CallResult
	if err := json.Unmarshal(body, &out); err != nil {
		return CallResult{}, fmt.Errorf("decode call response: %w", err)
	}
	if strings.TrimSpace(out.CallSID) == "" {
		return CallResult{}, fmt.Errorf("provider returned no call sid")
	}
	return out, nil
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// StreamTwiML renders the markup that tells the provider to open a media
// stream to our /twilio WebSocket endpoint.
func StreamTwiML(serverURL string) ([]byte, error) {
	wsURL := strings.TrimRight(serverURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		return nil, fmt.Errorf("server url must be http(s): %q", serverURL)
	}

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: wsURL + "/twilio"}}}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
