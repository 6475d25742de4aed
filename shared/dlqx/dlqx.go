package dlqx

import (
	"encoding/json"
	"time"

	"platform-order-pipeline/shared/events"
)

type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// DeadLetterEvent is the transient representation published to a -dlq topic.
type DeadLetterEvent struct {
	OriginalEvent events.Envelope `json:"originalEvent"`
	Error         ErrorInfo       `json:"error"`
	FailedAt      time.Time       `json:"failedAt"`
	SourceTopic   string          `json:"sourceTopic"`
}

func (d DeadLetterEvent) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func Parse(raw []byte) (DeadLetterEvent, bool) {
	var d DeadLetterEvent
	if err := json.Unmarshal(raw, &d); err != nil {
		return DeadLetterEvent{}, false
	}
	if d.SourceTopic == "" || d.OriginalEvent.EventID == "" {
		return DeadLetterEvent{}, false
	}
	return d, true
}

// ladder is the reprocessing backoff schedule; retry counts past the end
// clamp to the last value.
var ladder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// Delay returns the wait before the retryCount-th reprocessing attempt.
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[retryCount]
}

// Due reports whether an event that failed at failedAt is ready for its
// next attempt at now.
func Due(failedAt time.Time, retryCount int, now time.Time) bool {
	return !now.Before(failedAt.Add(Delay(retryCount)))
}
