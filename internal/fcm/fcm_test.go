package fcm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type staticTokenSource struct {
	mu    sync.Mutex
	calls int
	tok   *oauth2.Token
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.tok, nil
}

func TestTokenSourceCachesUntilNearExpiry(t *testing.T) {
	static := &staticTokenSource{tok: &oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}}
	ts := &TokenSource{source: static}

	tok1, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok1 != tok2 || tok1 != "tok-1" {
		t.Fatalf("expected cached token to be reused, got %q then %q", tok1, tok2)
	}
	if static.calls != 1 {
		t.Fatalf("expected exactly one token exchange, got %d", static.calls)
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	static := &staticTokenSource{tok: &oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(30 * time.Second)}}
	ts := &TokenSource{source: static}

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	static.tok = &oauth2.Token{AccessToken: "tok-2", Expiry: time.Now().Add(time.Hour)}
	tok2, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok2 != "tok-2" {
		t.Fatalf("expected refreshed token, got %q", tok2)
	}
	if static.calls != 2 {
		t.Fatalf("expected two token exchanges for a near-expiry cache, got %d", static.calls)
	}
}

func TestClientSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("missing bearer token on request")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"name":"projects/p/messages/1"}`))
	}))
	defer srv.Close()

	ts := &TokenSource{source: &staticTokenSource{tok: &oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}}}
	c := &Client{ProjectID: "p", Tokens: ts, HTTP: srv.Client()}
	c.HTTP.Transport = rewriteHostTransport{to: srv.URL}

	status, fcmStatus, err := c.Send(context.Background(), "device-token", "title", "body", "", "", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if fcmStatus != "" {
		t.Fatalf("fcmStatus = %q, want empty on success", fcmStatus)
	}
}

func TestClientSendFCMError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
	}))
	defer srv.Close()

	ts := &TokenSource{source: &staticTokenSource{tok: &oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}}}
	c := &Client{ProjectID: "p", Tokens: ts, HTTP: srv.Client()}
	c.HTTP.Transport = rewriteHostTransport{to: srv.URL}

	status, fcmStatus, err := c.Send(context.Background(), "device-token", "title", "body", "", "", nil)
	if err == nil {
		t.Fatal("expected error for FCM 404 response")
	}
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if fcmStatus != "NOT_FOUND" {
		t.Fatalf("fcmStatus = %q, want NOT_FOUND", fcmStatus)
	}
}

// rewriteHostTransport redirects every request to a fixed base URL so
// Client.Send's hardcoded fcm.googleapis.com URL can be exercised against
// an httptest server without changing production code.
type rewriteHostTransport struct{ to string }

func (rt rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := req.URL.Parse(rt.to)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Host = target.Host
	return http.DefaultTransport.RoundTrip(req)
}
