package pipeline

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/arc-self/ingest-service/internal/event"
)

// MaxEventNameLength caps sanitized event names.
const MaxEventNameLength = 200

// CookielessSentinel is the distinct id used by cookieless-mode SDKs.
// Such events are filtered out of this pipeline.
const CookielessSentinel = "$posthog_cookieless"

// Event names that are meaningless without a person profile.
var personEvents = map[string]bool{
	"$identify":          true,
	"$create_alias":      true,
	"$merge_dangerously": true,
	"$groupidentify":     true,
}

// SanitizeEventName trims whitespace, strips control characters, and caps
// the length of a caller-supplied event name.
func SanitizeEventName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if len(name) > MaxEventNameLength {
		// Back off to a rune boundary so the cap never leaves a split
		// multi-byte character behind.
		cut := MaxEventNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

// timestampWarning pairs a warning type with its details for the
// side-channel topic.
type timestampWarning struct {
	Type    string
	Details map[string]any
}

// ResolveTimestamp computes the event timestamp with the precedence:
// explicit timestamp field, else sent_at minus offset, else now. Invalid
// inputs fall back to now with an ignored_invalid_timestamp warning;
// timestamps further than futureTolerance ahead of now are clamped to now
// with an event_timestamp_in_future warning.
func ResolveTimestamp(ev *event.PipelineEvent, now time.Time, futureTolerance time.Duration) (time.Time, []timestampWarning) {
	var warnings []timestampWarning

	ts, ok := now, false
	if ev.Timestamp != "" {
		if parsed, err := parseTimestamp(ev.Timestamp); err == nil {
			ts, ok = parsed, true
		} else {
			warnings = append(warnings, timestampWarning{
				Type:    WarnIgnoredInvalidTimestamp,
				Details: map[string]any{"field": "timestamp", "value": ev.Timestamp, "reason": err.Error()},
			})
		}
	}
	if !ok && ev.Offset > 0 {
		base := now
		if ev.SentAt != "" {
			if sentAt, err := parseTimestamp(ev.SentAt); err == nil {
				base = sentAt
			} else {
				warnings = append(warnings, timestampWarning{
					Type:    WarnIgnoredInvalidTimestamp,
					Details: map[string]any{"field": "sent_at", "value": ev.SentAt, "reason": err.Error()},
				})
			}
		}
		ts, ok = base.Add(-time.Duration(ev.Offset)*time.Millisecond), true
	}
	if !ok {
		ts = now
	}

	if futureTolerance > 0 && ts.After(now.Add(futureTolerance)) {
		warnings = append(warnings, timestampWarning{
			Type: WarnEventTimestampInFuture,
			Details: map[string]any{
				"timestamp": ts.UTC().Format(time.RFC3339Nano),
				"now":       now.UTC().Format(time.RFC3339Nano),
			},
		})
		ts = now
	}

	return ts.UTC(), warnings
}

// parseTimestamp accepts RFC3339 (with or without sub-second precision),
// the ClickHouse layout, and unix epoch milliseconds as a bare number.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999", s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	_, err := time.Parse(time.RFC3339, s)
	return time.Time{}, err
}

// PersonProcessingDecision is the outcome of evaluating whether person
// state applies to an event.
type PersonProcessingDecision struct {
	Enabled  bool
	Warnings []timestampWarning
}

// DecidePersonProcessing evaluates, in order of strictness: the team-level
// opt-out (which always wins), the configured skip list for the event's
// token, and the event's own $process_person_profile property. A non-bool
// $process_person_profile is reported and treated as true.
//
// When processing ends up disabled and the event cannot be expressed
// without a person ($identify and friends), a restricted-event DropError
// is returned with DoNotSendToDLQ set.
func DecidePersonProcessing(ev *event.PipelineEvent, team *event.Team, skipTokens map[string][]string) (PersonProcessingDecision, error) {
	d := PersonProcessingDecision{Enabled: true}

	if raw, present := ev.Properties["$process_person_profile"]; present {
		if b, ok := raw.(bool); ok {
			d.Enabled = b
		} else {
			d.Warnings = append(d.Warnings, timestampWarning{
				Type:    WarnInvalidProcessPersonProfile,
				Details: map[string]any{"value": raw},
			})
		}
	}

	if team.PersonProcessingOptOut {
		d.Enabled = false
	}

	if ids, ok := skipTokens[ev.Token]; ok {
		for _, id := range ids {
			if id == "*" || id == ev.DistinctID {
				d.Enabled = false
				break
			}
		}
	}

	if !d.Enabled && personEvents[ev.Event] {
		return d, &DropError{
			Cause:          DropRestrictedEvent,
			DoNotSendToDLQ: true,
			Details:        map[string]any{"event": ev.Event, "distinct_id": ev.DistinctID},
		}
	}
	return d, nil
}

// StripPersonProperties removes every person- and group-scoped key from
// the bag so downstream steps never observe them when person processing
// is disabled.
func StripPersonProperties(props event.Properties) {
	delete(props, "$set")
	delete(props, "$set_once")
	delete(props, "$unset")
	delete(props, "$groups")
	for k := range props {
		if strings.HasPrefix(k, "$group_") {
			delete(props, k)
		}
	}
}
