package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDialer_StartCall(t *testing.T) {
	var gotPath, gotTo, gotURL string
	var gotEvents []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotPath = r.URL.Path
		gotTo = r.PostForm.Get("To")
		gotURL = r.PostForm.Get("Url")
		gotEvents = r.PostForm["StatusCallbackEvent"]
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC1" || pass != "secret" {
			t.Fatalf("basic auth user=%q pass=%q ok=%v", user, pass, ok)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	d := &Dialer{
		AccountSID: "AC1",
		AuthToken:  "secret",
		FromNumber: "+15550001111",
		ServerURL:  "https://bridge.example.com",
		APIBaseURL: srv.URL,
		HTTPClient: srv.Client(),
	}

	res, err := d.StartCall(context.Background(), "+14155551234")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if res.CallSID != "CA999" {
		t.Fatalf("call sid=%q, want CA999", res.CallSID)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotTo != "+14155551234" {
		t.Fatalf("to=%q", gotTo)
	}
	if gotURL != "https://bridge.example.com/twiml" {
		t.Fatalf("url=%q", gotURL)
	}
	if len(gotEvents) != 4 {
		t.Fatalf("events=%v", gotEvents)
	}
}

func TestDialer_StartCall_RejectsNonE164(t *testing.T) {
	d := &Dialer{AccountSID: "AC1", AuthToken: "secret"}
	if _, err := d.StartCall(context.Background(), "5551234"); err == nil {
		t.Fatalf("expected error for number without + prefix")
	}
}

func TestDialer_StartCall_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
	}))
	defer srv.Close()

	d := &Dialer{AccountSID: "AC1", AuthToken: "bad", APIBaseURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := d.StartCall(context.Background(), "+14155551234"); err == nil {
		t.Fatalf("expected error on provider failure")
	}
}
