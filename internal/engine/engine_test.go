package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/vapid"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Init(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestWebsite(t *testing.T, d *db.DB, vapidEndpointHost string) *db.Website {
	t.Helper()
	kp, err := vapid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	userID := uuid.NewString()
	if _, err := d.CreateUser(userID, userID+"@example.com", "hash", db.PlanFree); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	w, err := d.CreateWebsite(uuid.NewString(), userID, "Test Site", vapidEndpointHost, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		t.Fatalf("CreateWebsite: %v", err)
	}
	return w
}

func newWebSubscriber(t *testing.T, d *db.DB, websiteID, endpoint string) *db.Subscriber {
	t.Helper()
	uaPub, auth := testSubscriberKeys(t)
	s := &db.Subscriber{
		ID:        uuid.NewString(),
		WebsiteID: websiteID,
		Platform:  db.PlatformWeb,
		Status:    db.SubscriberActive,
		Endpoint:  endpoint,
		P256dhKey: uaPub,
		AuthKey:   auth,
	}
	if err := d.CreateSubscriber(s); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	return s
}

func testSubscriberKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	kp, err := vapid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp.PublicKey, "y1KW2_3zG3xvr19OEA4g3Q"
}

func TestSendEmptyAudience(t *testing.T) {
	d := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	website := newTestWebsite(t, d, srv.URL)
	eng := New(d, Config{HTTPClient: srv.Client()})

	summary, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: website.UserID,
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if summary != (Summary{}) {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestSendSingleWebRecipientSuccess(t *testing.T) {
	d := newTestDB(t)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("missing Content-Encoding header")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	website := newTestWebsite(t, d, srv.URL)
	newWebSubscriber(t, d, website.ID, srv.URL+"/push/abc")
	eng := New(d, Config{HTTPClient: srv.Client()})

	summary, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: website.UserID,
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if summary != (Summary{Sent: 1, Failed: 0, Total: 1}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if atomic.LoadInt32(&requests) != 1 {
		t.Fatalf("expected exactly one push request, got %d", requests)
	}

	updated, err := d.GetWebsiteByID(website.ID)
	if err != nil {
		t.Fatalf("GetWebsiteByID: %v", err)
	}
	if updated.NotificationsSent != 1 {
		t.Fatalf("notifications_sent = %d, want 1", updated.NotificationsSent)
	}
}

func TestSendExpiredSubscriptionReclaims(t *testing.T) {
	d := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	website := newTestWebsite(t, d, srv.URL)
	sub := newWebSubscriber(t, d, website.ID, srv.URL+"/push/abc")
	eng := New(d, Config{HTTPClient: srv.Client()})

	summary, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: website.UserID,
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if summary != (Summary{Sent: 0, Failed: 1, Total: 1}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	updated, err := d.GetSubscriberByID(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscriberByID: %v", err)
	}
	if updated.Status != db.SubscriberInactive {
		t.Fatalf("subscriber status = %q, want inactive", updated.Status)
	}
}

func TestSendTransientThenSuccess(t *testing.T) {
	d := newTestDB(t)
	var attempts int32
	var firstAt, secondAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			firstAt = time.Now()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		secondAt = time.Now()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	website := newTestWebsite(t, d, srv.URL)
	newWebSubscriber(t, d, website.ID, srv.URL+"/push/abc")
	eng := New(d, Config{HTTPClient: srv.Client()})

	summary, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: website.UserID,
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 HTTP requests, got %d", attempts)
	}
	if summary != (Summary{Sent: 1, Failed: 0, Total: 1}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if secondAt.Sub(firstAt) < 1*time.Second {
		t.Fatalf("expected >= 1s backoff between attempts, got %v", secondAt.Sub(firstAt))
	}
}

func TestSendUnauthorized(t *testing.T) {
	d := newTestDB(t)
	website := newTestWebsite(t, d, "https://push.example.com")
	eng := New(d, Config{})

	_, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: "someone-else",
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err == nil {
		t.Fatal("expected Unauthorized error")
	}
	topErr, ok := err.(*TopLevelError)
	if !ok || topErr.Kind != KindUnauthorized {
		t.Fatalf("expected Unauthorized TopLevelError, got %v", err)
	}
}

func TestSendMissingCredentials(t *testing.T) {
	d := newTestDB(t)
	website := newTestWebsite(t, d, "https://push.example.com")
	sub := &db.Subscriber{
		ID:        uuid.NewString(),
		WebsiteID: website.ID,
		Platform:  db.PlatformWeb,
		Status:    db.SubscriberActive,
	}
	if err := d.CreateSubscriber(sub); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	eng := New(d, Config{})

	summary, err := eng.Send(context.Background(), SendRequest{
		WebsiteID:    website.ID,
		CallerUserID: website.UserID,
		Notification: Notification{Title: "Hi", Body: "x"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if summary != (Summary{Sent: 0, Failed: 1, Total: 1}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	updated, _ := d.GetSubscriberByID(sub.ID)
	if updated.Status != db.SubscriberActive {
		t.Fatal("missing-credentials failures must not reclaim the subscriber")
	}
}

func init() {
	_ = os.Getenv
}
