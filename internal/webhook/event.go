// Package webhook signs, queues and delivers organization event
// notifications to subscriber URLs.
package webhook

import (
	"encoding/json"
	"time"
)

// Event is the JSON body POSTed to a subscriber
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// DeliveryStatus represents the state of a queued delivery
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSending DeliveryStatus = "sending"
	StatusDead    DeliveryStatus = "dead"
)

// Delivery is one event bound for one webhook. The payload is frozen at
// enqueue time so a later secret rotation does not change what was signed.
type Delivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	OrganizationID string          `json:"organization_id"`
	URL            string          `json:"url"`
	Secret         string          `json:"secret"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LastStatusCode int             `json:"last_status_code,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RetrySchedule is the wait before each retry. The first attempt is not
// counted, so a delivery is tried at most len(RetrySchedule)+1 times,
// six in all; one that still fails after the last retry is dead.
var RetrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
}

// nextRetry returns the wait after the given number of failed attempts
// and false once the schedule is exhausted.
func nextRetry(failures int) (time.Duration, bool) {
	if failures < 1 || failures > len(RetrySchedule) {
		return 0, false
	}
	return RetrySchedule[failures-1], true
}
