// Package db provides the sqlite-backed persistence layer for websites,
// subscribers, campaigns and notification logs.
package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Plan identifies a billing tier, which gates how many concurrent
// recurring campaigns a user may keep active.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanGrowth  Plan = "growth"
	PlanCustom  Plan = "custom"
)

// RecurringCap returns the number of concurrent recurring campaigns this
// plan permits. PlanCustom defers to the user's CustomRecurringCap field.
func (p Plan) RecurringCap() int {
	switch p {
	case PlanStarter:
		return 10
	case PlanGrowth:
		return 30
	default:
		return 0
	}
}

type SubscriberPlatform string

const (
	PlatformWeb     SubscriberPlatform = "web"
	PlatformAndroid SubscriberPlatform = "android"
)

type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "active"
	SubscriberInactive SubscriberStatus = "inactive"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRecurring CampaignStatus = "recurring"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogSent      LogStatus = "sent"
	LogFailed    LogStatus = "failed"
	LogDelivered LogStatus = "delivered"
	LogClicked   LogStatus = "clicked"
	LogDismissed LogStatus = "dismissed"
)

type DB struct {
	*sql.DB
}

func Init(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	d := &DB{sqldb}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS server_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id                   TEXT PRIMARY KEY,
	email                TEXT UNIQUE NOT NULL,
	password_hash        TEXT NOT NULL,
	plan                 TEXT NOT NULL DEFAULT 'free',
	custom_recurring_cap INTEGER NOT NULL DEFAULT 0,
	is_platform_owner    INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS websites (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	name               TEXT NOT NULL,
	origin             TEXT NOT NULL DEFAULT '',
	vapid_public_key   TEXT NOT NULL DEFAULT '',
	vapid_private_key  TEXT NOT NULL DEFAULT '',
	notifications_sent INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS subscribers (
	id              TEXT PRIMARY KEY,
	website_id      TEXT NOT NULL,
	platform        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	endpoint        TEXT NOT NULL DEFAULT '',
	p256dh_key      TEXT NOT NULL DEFAULT '',
	auth_key        TEXT NOT NULL DEFAULT '',
	fcm_token       TEXT NOT NULL DEFAULT '',
	last_active_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (website_id) REFERENCES websites(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS campaigns (
	id                 TEXT PRIMARY KEY,
	website_id         TEXT NOT NULL,
	title              TEXT NOT NULL,
	body               TEXT NOT NULL,
	icon_url           TEXT NOT NULL DEFAULT '',
	image_url          TEXT NOT NULL DEFAULT '',
	click_url          TEXT NOT NULL DEFAULT '',
	actions_json       TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'draft',
	is_recurring       INTEGER NOT NULL DEFAULT 0,
	scheduled_at       DATETIME,
	next_send_at       DATETIME,
	recurrence_json    TEXT NOT NULL DEFAULT '',
	sent_count         INTEGER NOT NULL DEFAULT 0,
	failed_count       INTEGER NOT NULL DEFAULT 0,
	delivered_count    INTEGER NOT NULL DEFAULT 0,
	clicked_count      INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (website_id) REFERENCES websites(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS notification_logs (
	id            TEXT PRIMARY KEY,
	campaign_id   TEXT,
	subscriber_id TEXT NOT NULL,
	website_id    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	platform      TEXT NOT NULL,
	sent_at       DATETIME,
	delivered_at  DATETIME,
	clicked_at    DATETIME,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (subscriber_id) REFERENCES subscribers(id) ON DELETE CASCADE,
	FOREIGN KEY (website_id) REFERENCES websites(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_subscribers_website ON subscribers(website_id, status);
CREATE INDEX IF NOT EXISTS idx_campaigns_scheduled ON campaigns(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_campaigns_recurring ON campaigns(status, next_send_at);
CREATE INDEX IF NOT EXISTS idx_logs_campaign ON notification_logs(campaign_id);
CREATE INDEX IF NOT EXISTS idx_logs_subscriber ON notification_logs(subscriber_id);
`
	_, err := d.Exec(schema)
	return err
}

// NewID returns a random 128-bit hex id, used for notification_logs rows
// where no externally-visible UUID form is required.
func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// --- Models ---

type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Plan               Plan      `json:"plan"`
	CustomRecurringCap int       `json:"custom_recurring_cap,omitempty"`
	IsPlatformOwner    bool      `json:"is_platform_owner"`
	CreatedAt          time.Time `json:"created_at"`
}

// RecurringCap returns the concurrent-recurring-campaign limit for this user.
func (u *User) RecurringCap() int {
	if u.Plan == PlanCustom {
		return u.CustomRecurringCap
	}
	return u.Plan.RecurringCap()
}

type Website struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Origin            string    `json:"origin"`
	VAPIDPublicKey    string    `json:"vapid_public_key"`
	VAPIDPrivateKey   string    `json:"-"`
	NotificationsSent int64     `json:"notifications_sent"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Action struct {
	Title  string `json:"title"`
	Action string `json:"action"`
}

type Subscriber struct {
	ID           string             `json:"id"`
	WebsiteID    string             `json:"website_id"`
	Platform     SubscriberPlatform `json:"platform"`
	Status       SubscriberStatus   `json:"status"`
	Endpoint     string             `json:"endpoint,omitempty"`
	P256dhKey    string             `json:"p256dh_key,omitempty"`
	AuthKey      string             `json:"auth_key,omitempty"`
	FCMToken     string             `json:"fcm_token,omitempty"`
	LastActiveAt time.Time          `json:"last_active_at"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type Campaign struct {
	ID             string         `json:"id"`
	WebsiteID      string         `json:"website_id"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	IconURL        string         `json:"icon_url,omitempty"`
	ImageURL       string         `json:"image_url,omitempty"`
	ClickURL       string         `json:"click_url,omitempty"`
	Actions        []Action       `json:"actions,omitempty"`
	Status         CampaignStatus `json:"status"`
	IsRecurring    bool           `json:"is_recurring"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	NextSendAt     *time.Time     `json:"next_send_at,omitempty"`
	RecurrenceJSON string         `json:"recurrence_config,omitempty"`
	SentCount      int64          `json:"sent_count"`
	FailedCount    int64          `json:"failed_count"`
	DeliveredCount int64          `json:"delivered_count"`
	ClickedCount   int64          `json:"clicked_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type NotificationLog struct {
	ID           string             `json:"id"`
	CampaignID   *string            `json:"campaign_id,omitempty"`
	SubscriberID string             `json:"subscriber_id"`
	WebsiteID    string             `json:"website_id"`
	Status       LogStatus          `json:"status"`
	Platform     SubscriberPlatform `json:"platform"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time         `json:"delivered_at,omitempty"`
	ClickedAt    *time.Time         `json:"clicked_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// --- Server Settings ---

func (d *DB) SetSetting(key, value string) error {
	_, err := d.Exec(`INSERT OR REPLACE INTO server_settings (key, value) VALUES (?, ?)`, key, value)
	return err
}

func (d *DB) GetSetting(key string) (string, error) {
	var val string
	err := d.QueryRow(`SELECT value FROM server_settings WHERE key = ?`, key).Scan(&val)
	return val, err
}

// --- Users ---

func (d *DB) GetUserByID(id string) (*User, error) {
	u := &User{}
	var owner int
	err := d.QueryRow(
		`SELECT id, email, password_hash, plan, custom_recurring_cap, is_platform_owner, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Plan, &u.CustomRecurringCap, &owner, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.IsPlatformOwner = owner == 1
	return u, nil
}

func (d *DB) CreateUser(id, email, passwordHash string, plan Plan) (*User, error) {
	_, err := d.Exec(
		`INSERT INTO users (id, email, password_hash, plan) VALUES (?, ?, ?, ?)`,
		id, email, passwordHash, plan,
	)
	if err != nil {
		return nil, err
	}
	return d.GetUserByID(id)
}

// CountActiveRecurring returns how many of a user's campaigns are currently
// in the 'recurring' status, for plan-limit enforcement.
func (d *DB) CountActiveRecurring(userID string) (int, error) {
	var n int
	err := d.QueryRow(`
		SELECT COUNT(*) FROM campaigns c
		JOIN websites w ON w.id = c.website_id
		WHERE w.user_id = ? AND c.status = 'recurring'`, userID).Scan(&n)
	return n, err
}

// CanCreateRecurring implements the can_create_recurring(user) predicate of
// the data model: platform owners bypass the cap entirely.
func (d *DB) CanCreateRecurring(u *User) (bool, error) {
	if u.IsPlatformOwner {
		return true, nil
	}
	cap := u.RecurringCap()
	if cap <= 0 {
		return false, nil
	}
	n, err := d.CountActiveRecurring(u.ID)
	if err != nil {
		return false, err
	}
	return n < cap, nil
}

// --- Websites ---

func (d *DB) GetWebsiteByID(id string) (*Website, error) {
	w := &Website{}
	err := d.QueryRow(
		`SELECT id, user_id, name, origin, vapid_public_key, vapid_private_key, notifications_sent, created_at, updated_at
		 FROM websites WHERE id = ?`, id,
	).Scan(&w.ID, &w.UserID, &w.Name, &w.Origin, &w.VAPIDPublicKey, &w.VAPIDPrivateKey, &w.NotificationsSent, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (d *DB) CreateWebsite(id, userID, name, origin, vapidPub, vapidPriv string) (*Website, error) {
	_, err := d.Exec(
		`INSERT INTO websites (id, user_id, name, origin, vapid_public_key, vapid_private_key) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, name, origin, vapidPub, vapidPriv,
	)
	if err != nil {
		return nil, err
	}
	return d.GetWebsiteByID(id)
}

// IncrementNotificationsSent atomically bumps the website's sent counter.
// Using SQL's read-modify-write avoids lost updates across concurrent sends.
func (d *DB) IncrementNotificationsSent(websiteID string, n int64) error {
	_, err := d.Exec(`UPDATE websites SET notifications_sent = notifications_sent + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, n, websiteID)
	return err
}

// --- Subscribers ---

func (d *DB) GetSubscriberByID(id string) (*Subscriber, error) {
	s := &Subscriber{}
	err := d.QueryRow(
		`SELECT id, website_id, platform, status, endpoint, p256dh_key, auth_key, fcm_token, last_active_at, created_at, updated_at
		 FROM subscribers WHERE id = ?`, id,
	).Scan(&s.ID, &s.WebsiteID, &s.Platform, &s.Status, &s.Endpoint, &s.P256dhKey, &s.AuthKey, &s.FCMToken, &s.LastActiveAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) CreateSubscriber(s *Subscriber) error {
	_, err := d.Exec(`
		INSERT INTO subscribers (id, website_id, platform, status, endpoint, p256dh_key, auth_key, fcm_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WebsiteID, s.Platform, s.Status, s.Endpoint, s.P256dhKey, s.AuthKey, s.FCMToken)
	return err
}

// ActiveSubscribers returns active subscribers for a website, optionally
// restricted to an explicit id set (targetIDs == nil means "all").
func (d *DB) ActiveSubscribers(websiteID string, targetIDs []string) ([]Subscriber, error) {
	var rows *sql.Rows
	var err error
	if len(targetIDs) == 0 {
		rows, err = d.Query(
			`SELECT id, website_id, platform, status, endpoint, p256dh_key, auth_key, fcm_token, last_active_at, created_at, updated_at
			 FROM subscribers WHERE website_id = ? AND status = 'active'`, websiteID)
	} else {
		placeholders := make([]byte, 0, len(targetIDs)*2)
		args := make([]interface{}, 0, len(targetIDs)+1)
		args = append(args, websiteID)
		for i, id := range targetIDs {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`SELECT id, website_id, platform, status, endpoint, p256dh_key, auth_key, fcm_token, last_active_at, created_at, updated_at
			 FROM subscribers WHERE website_id = ? AND status = 'active' AND id IN (%s)`, string(placeholders))
		rows, err = d.Query(query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var s Subscriber
		if err := rows.Scan(&s.ID, &s.WebsiteID, &s.Platform, &s.Status, &s.Endpoint, &s.P256dhKey, &s.AuthKey, &s.FCMToken, &s.LastActiveAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// DeactivateSubscribers bulk-marks subscribers inactive after a permanent
// expiry signal (reclamation, see §4.5 step 8).
func (d *DB) DeactivateSubscribers(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE subscribers SET status = 'inactive', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// --- Campaigns ---

// CreateCampaign inserts a new campaign row. Campaign creation proper
// (validation, plan-gating via CanCreateRecurring) happens in the
// out-of-scope dashboard API; this is the persistence primitive it and
// tests build on.
func (d *DB) CreateCampaign(c *Campaign) error {
	actionsJSON, err := json.Marshal(c.Actions)
	if err != nil {
		return fmt.Errorf("db: marshal actions: %w", err)
	}
	_, err = d.Exec(`
		INSERT INTO campaigns (id, website_id, title, body, icon_url, image_url, click_url, actions_json,
		                       status, is_recurring, scheduled_at, next_send_at, recurrence_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WebsiteID, c.Title, c.Body, c.IconURL, c.ImageURL, c.ClickURL, string(actionsJSON),
		c.Status, c.IsRecurring, c.ScheduledAt, c.NextSendAt, c.RecurrenceJSON)
	return err
}

func (d *DB) GetCampaignByID(id string) (*Campaign, error) {
	c := &Campaign{}
	var scheduledAt, nextSendAt sql.NullTime
	var actionsJSON string
	err := d.QueryRow(`
		SELECT id, website_id, title, body, icon_url, image_url, click_url, actions_json, status, is_recurring,
		       scheduled_at, next_send_at, recurrence_json, sent_count, failed_count, delivered_count, clicked_count,
		       created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.WebsiteID, &c.Title, &c.Body, &c.IconURL, &c.ImageURL, &c.ClickURL, &actionsJSON, &c.Status, &c.IsRecurring,
		&scheduledAt, &nextSendAt, &c.RecurrenceJSON, &c.SentCount, &c.FailedCount, &c.DeliveredCount, &c.ClickedCount,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if nextSendAt.Valid {
		c.NextSendAt = &nextSendAt.Time
	}
	json.Unmarshal([]byte(actionsJSON), &c.Actions)
	return c, nil
}

// DueScheduled returns one-shot campaigns whose scheduled_at has arrived.
func (d *DB) DueScheduled(now time.Time) ([]Campaign, error) {
	return d.queryCampaigns(`SELECT id, website_id, title, body, icon_url, image_url, click_url, actions_json, status, is_recurring,
		       scheduled_at, next_send_at, recurrence_json, sent_count, failed_count, delivered_count, clicked_count, created_at, updated_at
		FROM campaigns WHERE status = 'scheduled' AND scheduled_at <= ?`, now)
}

// DueRecurring returns recurring campaigns whose next_send_at has arrived.
func (d *DB) DueRecurring(now time.Time) ([]Campaign, error) {
	return d.queryCampaigns(`SELECT id, website_id, title, body, icon_url, image_url, click_url, actions_json, status, is_recurring,
		       scheduled_at, next_send_at, recurrence_json, sent_count, failed_count, delivered_count, clicked_count, created_at, updated_at
		FROM campaigns WHERE status = 'recurring' AND is_recurring = 1 AND next_send_at <= ?`, now)
}

func (d *DB) queryCampaigns(query string, args ...interface{}) ([]Campaign, error) {
	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		var scheduledAt, nextSendAt sql.NullTime
		var actionsJSON string
		if err := rows.Scan(&c.ID, &c.WebsiteID, &c.Title, &c.Body, &c.IconURL, &c.ImageURL, &c.ClickURL, &actionsJSON, &c.Status, &c.IsRecurring,
			&scheduledAt, &nextSendAt, &c.RecurrenceJSON, &c.SentCount, &c.FailedCount, &c.DeliveredCount, &c.ClickedCount,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if scheduledAt.Valid {
			c.ScheduledAt = &scheduledAt.Time
		}
		if nextSendAt.Valid {
			c.NextSendAt = &nextSendAt.Time
		}
		json.Unmarshal([]byte(actionsJSON), &c.Actions)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompleteCampaign transitions a campaign (one-shot or exhausted recurring)
// to 'completed'.
func (d *DB) CompleteCampaign(id string) error {
	_, err := d.Exec(`UPDATE campaigns SET status = 'completed', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// AdvanceRecurringCampaign persists the next firing instant for a recurring
// campaign and puts it back in the 'recurring' status. The engine's own
// Send marks any campaign with a CampaignID as 'completed' once it's sent
// (correct for one-shot campaigns); this call undoes that for a campaign
// the scheduler knows is still recurring.
func (d *DB) AdvanceRecurringCampaign(id string, nextSendAt time.Time) error {
	_, err := d.Exec(`UPDATE campaigns SET status = 'recurring', next_send_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, nextSendAt, id)
	return err
}

// AddCampaignCounts atomically adds to a campaign's sent/failed counters
// (SQL read-modify-write, safe under concurrent sends against one campaign).
func (d *DB) AddCampaignCounts(id string, sent, failed int64) error {
	_, err := d.Exec(`UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sent, failed, id)
	return err
}

// AddCampaignTrackingCount bumps delivered_count or clicked_count in
// response to an inbound tracking callback.
func (d *DB) AddCampaignTrackingCount(id string, column string) error {
	switch column {
	case "delivered_count", "clicked_count":
	default:
		return fmt.Errorf("db: invalid tracking column %q", column)
	}
	_, err := d.Exec(fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, column, column), id)
	return err
}

// --- Notification Logs ---

func (d *DB) InsertLog(l *NotificationLog) error {
	_, err := d.Exec(`
		INSERT INTO notification_logs (id, campaign_id, subscriber_id, website_id, status, platform, sent_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CampaignID, l.SubscriberID, l.WebsiteID, l.Status, l.Platform, l.SentAt, l.ErrorMessage)
	return err
}

// FindLogID returns the most recent notification_logs row id for a given
// campaign/subscriber pair, used to resolve an inbound tracking callback
// (§6) back to the row it should update.
func (d *DB) FindLogID(campaignID, subscriberID string) (string, error) {
	var id string
	err := d.QueryRow(`
		SELECT id FROM notification_logs
		WHERE campaign_id = ? AND subscriber_id = ?
		ORDER BY created_at DESC LIMIT 1`, campaignID, subscriberID).Scan(&id)
	return id, err
}

// MarkTracked updates a notification_logs row in response to an inbound
// delivered/clicked/dismissed tracking callback.
func (d *DB) MarkTracked(id string, status LogStatus, at time.Time) error {
	column := "delivered_at"
	if status == LogClicked {
		column = "clicked_at"
	}
	query := fmt.Sprintf(`UPDATE notification_logs SET status = ?, %s = ? WHERE id = ?`, column, column)
	_, err := d.Exec(query, status, at, id)
	return err
}

// RecentLogsForCampaign returns the most recent notification log rows for a
// campaign, newest first, bounded by limit.
func (d *DB) RecentLogsForCampaign(campaignID string, limit int) ([]NotificationLog, error) {
	rows, err := d.Query(`
		SELECT id, campaign_id, subscriber_id, website_id, status, platform, sent_at, delivered_at, clicked_at, error_message, created_at
		FROM notification_logs WHERE campaign_id = ? ORDER BY created_at DESC LIMIT ?`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationLog
	for rows.Next() {
		var l NotificationLog
		var sentAt, deliveredAt, clickedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.SubscriberID, &l.WebsiteID, &l.Status, &l.Platform, &sentAt, &deliveredAt, &clickedAt, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			l.SentAt = &sentAt.Time
		}
		if deliveredAt.Valid {
			l.DeliveredAt = &deliveredAt.Time
		}
		if clickedAt.Valid {
			l.ClickedAt = &clickedAt.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
