// Package engine implements the concurrent push-notification delivery
// engine: authorization, recipient partitioning, batched fan-out to Web
// Push and FCM, retry/classification, per-recipient logging, subscriber
// reclamation and aggregate counters.
package engine

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/fcm"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/vapid"
)

const (
	// BatchSize caps how many recipients are dispatched concurrently at
	// once; the engine awaits a full batch before starting the next.
	BatchSize = 50

	// MaxRetries is the number of additional attempts a transient
	// failure gets beyond the first, per the linear 1s/2s backoff.
	MaxRetries = 2

	maxTitleLen = 200
	maxBodyLen  = 1000
	maxURLLen   = 2000
	maxActions  = 2
	maxTargets  = 1000
)

var retryBackoff = []time.Duration{1 * time.Second, 2 * time.Second}

// Notification is the logical payload a caller wants delivered.
type Notification struct {
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	IconURL  string      `json:"icon,omitempty"`
	ImageURL string      `json:"image,omitempty"`
	ClickURL string      `json:"url,omitempty"`
	Actions  []db.Action `json:"actions,omitempty"`
}

func (n Notification) validate() error {
	if n.Title == "" || utf8.RuneCountInString(n.Title) > maxTitleLen {
		return newError(KindInvalidRequest, http.StatusBadRequest, "title is required and must be <= 200 chars")
	}
	if n.Body == "" || utf8.RuneCountInString(n.Body) > maxBodyLen {
		return newError(KindInvalidRequest, http.StatusBadRequest, "body is required and must be <= 1000 chars")
	}
	for _, u := range []string{n.IconURL, n.ImageURL, n.ClickURL} {
		if utf8.RuneCountInString(u) > maxURLLen {
			return newError(KindInvalidRequest, http.StatusBadRequest, "url fields must be <= 2000 chars")
		}
	}
	if len(n.Actions) > maxActions {
		return newError(KindInvalidRequest, http.StatusBadRequest, "at most 2 actions are allowed")
	}
	return nil
}

// SendRequest is the validated input to Send.
type SendRequest struct {
	WebsiteID            string
	CampaignID           *string
	Notification         Notification
	TargetSubscriberIDs  []string
	CallerUserID         string
	CallerIsPlatformOwner bool
}

// Summary reports the outcome counts for one Send call.
type Summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Config bundles the engine's external collaborators: the default VAPID
// keys used when a website has none of its own, and an optional FCM
// client (nil disables the android transport entirely).
type Config struct {
	DefaultVAPIDPublicKey  string
	DefaultVAPIDPrivateKey string
	VAPIDSubject           string // "mailto:..." fallback subject
	FCM                    *fcm.Client
	HTTPClient             *http.Client
}

type Engine struct {
	db  *db.DB
	cfg Config
}

func New(database *db.DB, cfg Config) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Engine{db: database, cfg: cfg}
}

// Send authorizes the request, fans it out to every active recipient and
// returns the aggregate outcome. Per-recipient failures never fail the
// whole call; only request validation, authorization, not-found, database
// and VAPID key errors do.
func (e *Engine) Send(ctx context.Context, req SendRequest) (Summary, error) {
	if err := req.Notification.validate(); err != nil {
		return Summary{}, err
	}
	if len(req.TargetSubscriberIDs) > maxTargets {
		return Summary{}, newError(KindInvalidRequest, http.StatusBadRequest, "targetSubscriberIds exceeds 1000")
	}

	website, err := e.db.GetWebsiteByID(req.WebsiteID)
	if err != nil {
		return Summary{}, newError(KindNotFound, http.StatusNotFound, "website not found")
	}
	if !req.CallerIsPlatformOwner && req.CallerUserID != website.UserID {
		return Summary{}, newError(KindUnauthorized, http.StatusForbidden, "caller does not own this website")
	}

	recipients, err := e.db.ActiveSubscribers(website.ID, req.TargetSubscriberIDs)
	if err != nil {
		return Summary{}, newError(KindServerError, http.StatusInternalServerError, err.Error())
	}
	if len(recipients) == 0 {
		return Summary{}, nil
	}

	vapidPub, vapidPriv := website.VAPIDPublicKey, website.VAPIDPrivateKey
	if vapidPub == "" || vapidPriv == "" {
		vapidPub, vapidPriv = e.cfg.DefaultVAPIDPublicKey, e.cfg.DefaultVAPIDPrivateKey
	}
	var vapidKey *privKeyOrNil
	if vapidPriv != "" {
		if err := vapid.ValidatePublicKey(vapidPub); err != nil {
			return Summary{}, newError(KindServerError, http.StatusInternalServerError, fmt.Sprintf("invalid vapid key: %v", err))
		}
		key, err := vapid.ParsePrivateKey(vapidPriv)
		if err != nil {
			return Summary{}, newError(KindServerError, http.StatusInternalServerError, fmt.Sprintf("invalid vapid key: %v", err))
		}
		vapidKey = &privKeyOrNil{key: key, pub: vapidPub}
	}

	var sent, failed int
	var reclaimIDs []string
	var mu sync.Mutex

	for start := 0; start < len(recipients); start += BatchSize {
		end := start + BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		var wg sync.WaitGroup
		for i := range batch {
			sub := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				out := e.dispatch(ctx, sub, req.Notification, vapidKey)

				mu.Lock()
				defer mu.Unlock()
				if out.success {
					sent++
				} else {
					failed++
				}
				if out.reclaim {
					reclaimIDs = append(reclaimIDs, sub.ID)
				}
				e.logOutcome(sub, req.CampaignID, out)
			}()
		}
		wg.Wait()
	}

	if err := e.db.DeactivateSubscribers(reclaimIDs); err != nil {
		log.Printf("engine: reclaim deactivate failed: %v", err)
	}

	if req.CampaignID != nil {
		if err := e.db.AddCampaignCounts(*req.CampaignID, int64(sent), int64(failed)); err != nil {
			log.Printf("engine: add campaign counts failed: %v", err)
		}
		if err := e.db.CompleteCampaign(*req.CampaignID); err != nil {
			log.Printf("engine: complete campaign failed: %v", err)
		}
	}
	if err := e.db.IncrementNotificationsSent(website.ID, int64(sent)); err != nil {
		log.Printf("engine: increment notifications_sent failed: %v", err)
	}

	return Summary{Sent: sent, Failed: failed, Total: sent + failed}, nil
}

func (e *Engine) logOutcome(sub db.Subscriber, campaignID *string, out outcome) {
	status := db.LogSent
	var sentAt *time.Time
	if out.success {
		now := time.Now()
		sentAt = &now
	} else {
		status = db.LogFailed
	}
	l := &db.NotificationLog{
		ID:           db.NewID(),
		CampaignID:   campaignID,
		SubscriberID: sub.ID,
		WebsiteID:    sub.WebsiteID,
		Status:       status,
		Platform:     sub.Platform,
		SentAt:       sentAt,
		ErrorMessage: out.errMsg,
	}
	if err := e.db.InsertLog(l); err != nil {
		log.Printf("engine: insert notification log failed: %v", err)
	}
}

// privKeyOrNil threads the website's parsed VAPID key (read once per Send,
// never cached across sends) alongside its base64url public form, which
// is embedded in the Authorization header.
type privKeyOrNil struct {
	key *ecdsa.PrivateKey
	pub string
}

func (e *Engine) dispatch(ctx context.Context, sub db.Subscriber, n Notification, key *privKeyOrNil) outcome {
	switch sub.Platform {
	case db.PlatformWeb:
		return e.dispatchWeb(ctx, sub, n, key)
	case db.PlatformAndroid:
		return e.dispatchAndroid(ctx, sub, n)

	default:
		return outcome{kind: KindMissingCredentials, errMsg: string(KindMissingCredentials)}
	}
}

func (e *Engine) dispatchWeb(ctx context.Context, sub db.Subscriber, n Notification, key *privKeyOrNil) outcome {
	if sub.Endpoint == "" || sub.P256dhKey == "" || sub.AuthKey == "" {
		return outcome{kind: KindMissingCredentials, errMsg: string(KindMissingCredentials)}
	}
	if key == nil {
		return outcome{kind: KindServerError, errMsg: "website has no vapid credentials configured"}
	}

	payload, err := buildPayloadJSON(n)
	if err != nil {
		return outcome{kind: KindServerError, errMsg: err.Error()}
	}

	var lastOutcome outcome
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff[attempt-1]):
			case <-ctx.Done():
				return outcome{kind: KindServerError, errMsg: ctx.Err().Error()}
			}
		}

		lastOutcome = e.attemptWebPush(ctx, sub, payload, key)
		if lastOutcome.success || !isTransient(lastOutcome.kind) {
			return lastOutcome
		}
	}
	return lastOutcome
}

func (e *Engine) attemptWebPush(ctx context.Context, sub db.Subscriber, payload []byte, key *privKeyOrNil) outcome {
	record, err := vapid.Encrypt(payload, sub.P256dhKey, sub.AuthKey)
	if err != nil {
		if errors.Is(err, vapid.ErrInvalidSubscriberKey) {
			return outcome{kind: KindInvalidSubscriberKey, errMsg: err.Error(), reclaim: true}
		}
		return outcome{kind: KindServerError, errMsg: err.Error()}
	}

	authHeader, err := vapid.AuthHeader(sub.Endpoint, e.subjectFor(), key.key, time.Now().Add(12*time.Hour))
	if err != nil {
		return outcome{kind: KindServerError, errMsg: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(record))
	if err != nil {
		return outcome{kind: KindServerError, errMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", "86400")
	req.Header.Set("Urgency", "high")
	req.Header.Set("Authorization", authHeader)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return outcome{kind: httpKind(0), errMsg: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyWebPush(resp.StatusCode, body)
}

func (e *Engine) subjectFor() string {
	if e.cfg.VAPIDSubject != "" {
		return e.cfg.VAPIDSubject
	}
	return "mailto:noreply@example.com"
}

func classifyWebPush(status int, body []byte) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcome{success: true}
	case status == 404 || status == 410:
		return outcome{kind: KindSubscriptionExpired, errMsg: string(KindSubscriptionExpired), reclaim: true}
	case bytes.Contains(body, []byte("UNREGISTERED")):
		return outcome{kind: KindSubscriptionExpired, errMsg: string(KindSubscriptionExpired), reclaim: true}
	case status == 401 || status == 403:
		return outcome{kind: KindVAPIDAuthFailed, errMsg: string(KindVAPIDAuthFailed)}
	case status == 429 || status >= 500:
		return outcome{kind: httpKind(status), errMsg: string(httpKind(status))}
	default:
		return outcome{kind: httpKind(status), errMsg: string(httpKind(status))}
	}
}

func (e *Engine) dispatchAndroid(ctx context.Context, sub db.Subscriber, n Notification) outcome {
	if sub.FCMToken == "" {
		return outcome{kind: KindMissingCredentials, errMsg: string(KindMissingCredentials)}
	}
	if e.cfg.FCM == nil {
		return outcome{kind: KindFCMNotConfigured, errMsg: string(KindFCMNotConfigured)}
	}
	var lastOutcome outcome
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff[attempt-1]):
			case <-ctx.Done():
				return outcome{kind: KindServerError, errMsg: ctx.Err().Error()}
			}
		}
		lastOutcome = e.attemptFCM(ctx, sub, n)
		if lastOutcome.success || !isTransient(lastOutcome.kind) {
			return lastOutcome
		}
	}
	return lastOutcome
}

func (e *Engine) attemptFCM(ctx context.Context, sub db.Subscriber, n Notification) outcome {
	data := map[string]string{}
	if n.ClickURL != "" {
		data["url"] = n.ClickURL
	}
	status, fcmStatus, err := e.cfg.FCM.Send(ctx, sub.FCMToken, n.Title, n.Body, n.IconURL, n.ImageURL, data)
	if err == nil {
		return outcome{success: true}
	}
	return classifyFCM(status, fcmStatus)
}

func classifyFCM(status int, fcmStatus string) outcome {
	switch fcmStatus {
	case "UNREGISTERED", "NOT_FOUND":
		return outcome{kind: KindSubscriptionExpired, errMsg: string(KindSubscriptionExpired), reclaim: true}
	case "INVALID_ARGUMENT":
		return outcome{kind: KindInvalidArgument, errMsg: string(KindInvalidArgument)}
	}
	if status == 429 || status >= 500 {
		return outcome{kind: httpKind(status), errMsg: string(httpKind(status))}
	}
	return outcome{kind: httpKind(status), errMsg: string(httpKind(status))}
}

func isTransient(k Kind) bool {
	s := string(k)
	if !strings.HasPrefix(s, "HTTP_") {
		return false
	}
	code, err := strconv.Atoi(strings.TrimPrefix(s, "HTTP_"))
	if err != nil {
		return false
	}
	return code == 429 || code >= 500 || code == 0
}

// buildPayloadJSON shapes the notification into the closed record §4.5
// specifies, with icon/url defaults and a synthetic notification id.
func buildPayloadJSON(n Notification) ([]byte, error) {
	icon := n.IconURL
	if icon == "" {
		icon = "/icon-192x192.png"
	}
	clickURL := n.ClickURL
	if clickURL == "" {
		clickURL = "/"
	}
	payload := struct {
		Title          string      `json:"title"`
		Body           string      `json:"body"`
		Icon           string      `json:"icon"`
		Image          string      `json:"image,omitempty"`
		URL            string      `json:"url"`
		Actions        []db.Action `json:"actions,omitempty"`
		NotificationID string      `json:"notificationId"`
		Timestamp      int64       `json:"timestamp"`
	}{
		Title:          n.Title,
		Body:           n.Body,
		Icon:           icon,
		Image:          n.ImageURL,
		URL:            clickURL,
		Actions:        n.Actions,
		NotificationID: "notif-" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		Timestamp:      time.Now().UnixMilli(),
	}
	return json.Marshal(payload)
}
