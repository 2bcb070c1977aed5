package pipeline

import (
	"errors"
	"fmt"
)

// DropCause labels why an event left the pipeline without producing an
// enriched record. The values appear verbatim as the drop_cause metric
// attribute.
type DropCause string

const (
	DropInvalidToken       DropCause = "invalid_token"
	DropMalformed          DropCause = "malformed"
	DropTransformation     DropCause = "transformation_dropped"
	DropCookieless         DropCause = "cookieless_filtered"
	DropRestrictedEvent    DropCause = "invalid_event_when_process_person_profile_is_false"
	DropMessageSizeTooBig  DropCause = "message_size_too_large"
	DropInvalidEventUUID   DropCause = "invalid_event_uuid"
	DropInvalidHeatmapData DropCause = "invalid_heatmap_data"
)

// Ingestion-warning types emitted on the side-channel topic.
const (
	WarnEventTimestampInFuture      = "event_timestamp_in_future"
	WarnIgnoredInvalidTimestamp     = "ignored_invalid_timestamp"
	WarnInvalidProcessPersonProfile = "invalid_process_person_profile"
	WarnInvalidEventUUID            = "invalid_event_uuid"
	WarnInvalidHeatmapData          = "invalid_heatmap_data"
	WarnMessageSizeTooLarge         = "message_size_too_large"
)

// DropError is the terminal "benign drop" outcome: the event is counted
// under Cause, optionally reported as an ingestion warning, and never
// retried. DoNotSendToDLQ suppresses dead-lettering for drops that are
// expected under normal operation.
type DropError struct {
	Cause          DropCause
	DoNotSendToDLQ bool
	Details        map[string]any

	// Warning, when non-empty, is the ingestion-warning type queued for
	// the team alongside the drop.
	Warning string
}

func (e *DropError) Error() string {
	return fmt.Sprintf("event dropped: %s", e.Cause)
}

// AsDrop unwraps err into a *DropError if it is one.
func AsDrop(err error) (*DropError, bool) {
	var de *DropError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// RetryableError marks transient failures (store conflicts, producer
// hiccups). The consumer retries the whole batch and eventually routes
// the record to the DLQ.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable reports whether err should cause a batch retry rather than a
// drop or a DLQ route.
func Retryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
