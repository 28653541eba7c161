// Package httpapi exposes the delivery engine and scheduler over HTTP:
// POST /notifications/send, POST /track/{event}, POST /process-scheduled
// and GET /websites/{id}/vapid-public-key.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/engine"
	mw "github.com/brenescensus/sigme-push-notification-suite-sub001/internal/middleware"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/scheduler"
)

// Handler bundles the delivery engine and scheduler with the persistence
// layer, mirroring the teacher's single-struct-of-collaborators shape.
type Handler struct {
	db    *db.DB
	eng   *engine.Engine
	sched *scheduler.Scheduler
}

func New(database *db.DB, eng *engine.Engine, sched *scheduler.Scheduler) *Handler {
	return &Handler{db: database, eng: eng, sched: sched}
}

// Routes mounts the engine's HTTP surface onto r. authMW gates the
// dashboard-JWT-authenticated routes; serviceMW gates the scheduler's
// service-credential-only route; sendLimitMW rate-limits the send
// endpoint specifically (the one a misbehaving tenant could hammer).
func (h *Handler) Routes(r chi.Router, authMW, serviceMW, sendLimitMW func(http.Handler) http.Handler) {
	r.With(authMW, sendLimitMW).Post("/notifications/send", h.Send)
	r.Post("/track/delivered", h.trackHandler(db.LogDelivered))
	r.Post("/track/clicked", h.trackHandler(db.LogClicked))
	r.Post("/track/dismissed", h.trackHandler(db.LogDismissed))
	r.With(serviceMW).Post("/process-scheduled", h.ProcessScheduled)
	r.Get("/websites/{id}/vapid-public-key", h.VAPIDPublicKey)
}

// --- Response helpers (teacher's respond/ok/errResp trio) ---

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func ok(w http.ResponseWriter, data interface{}) { respond(w, http.StatusOK, data) }

func errResp(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// sendRequestBody is the wire shape of POST /notifications/send (§6).
type sendRequestBody struct {
	WebsiteID    string `json:"websiteId"`
	CampaignID   string `json:"campaignId,omitempty"`
	Notification struct {
		Title   string      `json:"title"`
		Body    string      `json:"body"`
		Icon    string      `json:"icon,omitempty"`
		Image   string      `json:"image,omitempty"`
		URL     string      `json:"url,omitempty"`
		Actions []db.Action `json:"actions,omitempty"`
	} `json:"notification"`
	TargetSubscriberIDs []string `json:"targetSubscriberIds,omitempty"`
}

// Send handles POST /notifications/send: a bearer-authenticated dashboard
// user asks the engine to fan a notification out to a website's
// subscribers.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	claims := mw.GetClaims(r)
	if claims == nil {
		errResp(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body sendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errResp(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.WebsiteID == "" {
		errResp(w, http.StatusBadRequest, "websiteId is required")
		return
	}

	var campaignID *string
	if body.CampaignID != "" {
		campaignID = &body.CampaignID
	}

	summary, err := h.eng.Send(r.Context(), engine.SendRequest{
		WebsiteID:             body.WebsiteID,
		CampaignID:            campaignID,
		CallerUserID:          claims.UserID,
		CallerIsPlatformOwner: claims.IsPlatformOwner,
		TargetSubscriberIDs:   body.TargetSubscriberIDs,
		Notification: engine.Notification{
			Title:    body.Notification.Title,
			Body:     body.Notification.Body,
			IconURL:  body.Notification.Icon,
			ImageURL: body.Notification.Image,
			ClickURL: body.Notification.URL,
			Actions:  body.Notification.Actions,
		},
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	ok(w, map[string]interface{}{
		"success": true,
		"sent":    summary.Sent,
		"failed":  summary.Failed,
		"total":   summary.Total,
	})
}

func writeEngineError(w http.ResponseWriter, err error) {
	if topErr, isTop := err.(*engine.TopLevelError); isTop {
		errResp(w, topErr.Status, topErr.Msg)
		return
	}
	errResp(w, http.StatusInternalServerError, err.Error())
}

// trackRequestBody is the wire shape of POST /track/{event} (§6).
type trackRequestBody struct {
	WebsiteID      string `json:"websiteId"`
	NotificationID string `json:"notificationId"`
	CampaignID     string `json:"campaignId,omitempty"`
	SubscriberID   string `json:"subscriberId,omitempty"`
	Action         string `json:"action,omitempty"`
}

// trackHandler handles delivered and clicked events that name both a
// campaign and a subscriber: it updates the matching notification_logs
// row and increments the campaign's delivered_count / clicked_count
// column. notification_logs is keyed by its own internal id (§3), not the
// wire-level notificationId, so the row is looked up by (campaign_id,
// subscriber_id). Dismissed events, and events without a campaign and
// subscriber, are answered with success but update no row.
func (h *Handler) trackHandler(status db.LogStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body trackRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errResp(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.WebsiteID == "" {
			errResp(w, http.StatusBadRequest, "websiteId is required")
			return
		}

		if status == db.LogDelivered || status == db.LogClicked {
			if body.CampaignID != "" && body.SubscriberID != "" {
				logID, err := h.db.FindLogID(body.CampaignID, body.SubscriberID)
				if err == nil {
					if err := h.db.MarkTracked(logID, status, time.Now()); err != nil {
						errResp(w, http.StatusInternalServerError, "failed to update log")
						return
					}
				}
				column := "delivered_count"
				if status == db.LogClicked {
					column = "clicked_count"
				}
				if err := h.db.AddCampaignTrackingCount(body.CampaignID, column); err != nil {
					errResp(w, http.StatusInternalServerError, "failed to update campaign counters")
					return
				}
			}
		}

		ok(w, map[string]bool{"success": true})
	}
}

// ProcessScheduled handles POST /process-scheduled: service-credential
// authenticated only (enforced by the ServiceAuth middleware mounted in
// front of this route), runs one scheduler pass synchronously.
func (h *Handler) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	report, err := h.sched.ProcessOnce(r.Context())
	if err != nil {
		errResp(w, http.StatusInternalServerError, err.Error())
		return
	}
	ok(w, report)
}

// VAPIDPublicKey handles GET /websites/{id}/vapid-public-key, returning
// the website's VAPID public key for the subscribing client.
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		errResp(w, http.StatusBadRequest, "invalid website id")
		return
	}
	website, err := h.db.GetWebsiteByID(id)
	if err != nil {
		errResp(w, http.StatusNotFound, "website not found")
		return
	}
	if website.VAPIDPublicKey == "" {
		errResp(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	ok(w, map[string]string{"public_key": website.VAPIDPublicKey})
}
