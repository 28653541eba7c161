package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/engine"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/vapid"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestWebsiteWithSubscriber(t *testing.T, d *db.DB, endpoint string) *db.Website {
	t.Helper()
	kp, err := vapid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	uaKP, err := vapid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	userID := uuid.NewString()
	if _, err := d.CreateUser(userID, userID+"@example.com", "hash", db.PlanFree); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	w, err := d.CreateWebsite(uuid.NewString(), userID, "Test Site", "https://example.com", kp.PublicKey, kp.PrivateKey)
	if err != nil {
		t.Fatalf("CreateWebsite: %v", err)
	}
	sub := &db.Subscriber{
		ID:        uuid.NewString(),
		WebsiteID: w.ID,
		Platform:  db.PlatformWeb,
		Status:    db.SubscriberActive,
		Endpoint:  endpoint,
		P256dhKey: uaKP.PublicKey,
		AuthKey:   "y1KW2_3zG3xvr19OEA4g3Q",
	}
	if err := d.CreateSubscriber(sub); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	return w
}

func TestProcessOnceCompletesDueOneShot(t *testing.T) {
	d := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newTestWebsiteWithSubscriber(t, d, srv.URL+"/push/abc")
	eng := engine.New(d, engine.Config{HTTPClient: srv.Client()})

	past := time.Now().Add(-time.Minute)
	c := &db.Campaign{
		ID:          uuid.NewString(),
		WebsiteID:   w.ID,
		Title:       "Hi",
		Body:        "x",
		Status:      db.CampaignScheduled,
		ScheduledAt: &past,
	}
	if err := d.CreateCampaign(c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	sched := New(d, eng)
	report, err := sched.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if report != (Report{Processed: 1, Failed: 0, Total: 1}) {
		t.Fatalf("unexpected report: %+v", report)
	}

	updated, err := d.GetCampaignByID(c.ID)
	if err != nil {
		t.Fatalf("GetCampaignByID: %v", err)
	}
	if updated.Status != db.CampaignCompleted {
		t.Fatalf("status = %q, want completed", updated.Status)
	}
	if updated.SentCount != 1 {
		t.Fatalf("sent_count = %d, want 1", updated.SentCount)
	}
}

func TestProcessOnceAdvancesRecurring(t *testing.T) {
	d := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newTestWebsiteWithSubscriber(t, d, srv.URL+"/push/abc")
	eng := engine.New(d, engine.Config{HTTPClient: srv.Client()})

	past := time.Now().Add(-time.Minute)
	c := &db.Campaign{
		ID:             uuid.NewString(),
		WebsiteID:      w.ID,
		Title:          "Hi",
		Body:           "x",
		Status:         db.CampaignRecurring,
		IsRecurring:    true,
		NextSendAt:     &past,
		RecurrenceJSON: `{"pattern":"daily","interval":1,"time":"09:00","timezone":"UTC"}`,
	}
	if err := d.CreateCampaign(c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	sched := New(d, eng)
	report, err := sched.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if report != (Report{Processed: 1, Failed: 0, Total: 1}) {
		t.Fatalf("unexpected report: %+v", report)
	}

	updated, err := d.GetCampaignByID(c.ID)
	if err != nil {
		t.Fatalf("GetCampaignByID: %v", err)
	}
	if updated.Status != db.CampaignRecurring {
		t.Fatalf("status = %q, want still recurring", updated.Status)
	}
	if updated.NextSendAt == nil || !updated.NextSendAt.After(past) {
		t.Fatalf("next_send_at did not advance: %v", updated.NextSendAt)
	}
}

func TestProcessOnceCompletesExhaustedRecurring(t *testing.T) {
	d := newTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	w := newTestWebsiteWithSubscriber(t, d, srv.URL+"/push/abc")
	eng := engine.New(d, engine.Config{HTTPClient: srv.Client()})

	past := time.Now().Add(-time.Minute)
	c := &db.Campaign{
		ID:             uuid.NewString(),
		WebsiteID:      w.ID,
		Title:          "Hi",
		Body:           "x",
		Status:         db.CampaignRecurring,
		IsRecurring:    true,
		NextSendAt:     &past,
		RecurrenceJSON: `{"pattern":"daily","interval":1,"time":"09:00","timezone":"UTC","maxOccurrences":1}`,
	}
	if err := d.CreateCampaign(c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	sched := New(d, eng)
	if _, err := sched.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}

	updated, err := d.GetCampaignByID(c.ID)
	if err != nil {
		t.Fatalf("GetCampaignByID: %v", err)
	}
	if updated.Status != db.CampaignCompleted {
		t.Fatalf("status = %q, want completed once maxOccurrences is exhausted", updated.Status)
	}
}
