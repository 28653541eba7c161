// Package scheduler implements the periodic discovery and dispatch of due
// one-shot and recurring campaigns into the delivery engine, including
// computation of the next firing instant for recurring campaigns.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/engine"
)

// DefaultTick is how often Run polls for due campaigns; the spec requires
// a tick no looser than 60s.
const DefaultTick = 30 * time.Second

// Report summarizes one ProcessOnce pass, returned to both the background
// ticker's log line and the /process-scheduled API response.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Scheduler periodically finds due scheduled/recurring campaigns and hands
// them to the delivery engine.
type Scheduler struct {
	db  *db.DB
	eng *engine.Engine
}

func New(database *db.DB, eng *engine.Engine) *Scheduler {
	return &Scheduler{db: database, eng: eng}
}

// Run ticks every interval until ctx is cancelled, logging each pass's
// report. Matches the teacher's "go func(){ ticker... }" background task
// shape used for attachment cleanup.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.ProcessOnce(ctx)
			if err != nil {
				log.Printf("scheduler: tick error: %v", err)
				continue
			}
			if report.Total > 0 {
				log.Printf("scheduler: processed=%d failed=%d total=%d", report.Processed, report.Failed, report.Total)
			}
		}
	}
}

// ProcessOnce runs a single discovery+dispatch pass: every due one-shot
// and recurring campaign is sent through the delivery engine exactly
// once, in sequence, using service credentials (the caller is assumed to
// already have been authenticated as the scheduler).
func (s *Scheduler) ProcessOnce(ctx context.Context) (Report, error) {
	now := time.Now()
	var report Report

	scheduled, err := s.db.DueScheduled(now)
	if err != nil {
		return report, err
	}
	for _, c := range scheduled {
		report.Total++
		if s.processOneShot(ctx, c) {
			report.Processed++
		} else {
			report.Failed++
		}
	}

	recurring, err := s.db.DueRecurring(now)
	if err != nil {
		return report, err
	}
	for _, c := range recurring {
		report.Total++
		if s.processRecurring(ctx, c, now) {
			report.Processed++
		} else {
			report.Failed++
		}
	}

	return report, nil
}

func (s *Scheduler) processOneShot(ctx context.Context, c db.Campaign) bool {
	if _, err := s.dispatch(ctx, c); err != nil {
		log.Printf("scheduler: campaign %s send failed: %v", c.ID, err)
		return false
	}
	if err := s.db.CompleteCampaign(c.ID); err != nil {
		log.Printf("scheduler: campaign %s complete failed: %v", c.ID, err)
		return false
	}
	return true
}

func (s *Scheduler) processRecurring(ctx context.Context, c db.Campaign, now time.Time) bool {
	if _, err := s.dispatch(ctx, c); err != nil {
		log.Printf("scheduler: recurring campaign %s send failed: %v", c.ID, err)
		return false
	}

	cfg, err := ParseRecurrenceConfig(c.RecurrenceJSON)
	if err != nil {
		log.Printf("scheduler: recurring campaign %s bad config: %v", c.ID, err)
		return false
	}

	from := now
	if c.NextSendAt != nil {
		from = *c.NextSendAt
	}
	next, completed, err := NextFire(cfg, from, int(c.SentCount))
	if err != nil {
		log.Printf("scheduler: recurring campaign %s next-fire error: %v", c.ID, err)
		return false
	}

	if completed {
		if err := s.db.CompleteCampaign(c.ID); err != nil {
			log.Printf("scheduler: campaign %s complete failed: %v", c.ID, err)
			return false
		}
		return true
	}
	if err := s.db.AdvanceRecurringCampaign(c.ID, next); err != nil {
		log.Printf("scheduler: campaign %s advance failed: %v", c.ID, err)
		return false
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, c db.Campaign) (engine.Summary, error) {
	campaignID := c.ID
	return s.eng.Send(ctx, engine.SendRequest{
		WebsiteID:             c.WebsiteID,
		CampaignID:            &campaignID,
		CallerIsPlatformOwner: true,
		Notification: engine.Notification{
			Title:    c.Title,
			Body:     c.Body,
			IconURL:  c.IconURL,
			ImageURL: c.ImageURL,
			ClickURL: c.ClickURL,
			Actions:  c.Actions,
		},
	})
}
