package event

import (
	"encoding/json"
	"fmt"
)

// MaxDistinctIDLength caps caller-supplied distinct ids. Longer values are
// truncated rather than dropped so a buggy SDK does not lose data.
const MaxDistinctIDLength = 200

// MalformedEventError marks payloads that fail JSON decoding or violate the
// input schema. Such events are dropped and never retried.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// DecodeEvent parses a raw Kafka payload into a PipelineEvent.
//
// Structural problems (bad JSON, missing event name or distinct id) return
// a *MalformedEventError. UUID validity is deliberately NOT checked here:
// an unparseable uuid is a warning-class drop decided later in the
// pipeline, not a malformed payload.
func DecodeEvent(raw []byte) (*PipelineEvent, error) {
	var ev PipelineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, &MalformedEventError{Reason: "invalid JSON", Err: err}
	}

	if ev.Event == "" {
		return nil, &MalformedEventError{Reason: "missing event name"}
	}
	if ev.DistinctID == "" {
		return nil, &MalformedEventError{Reason: "missing distinct_id"}
	}
	if len(ev.DistinctID) > MaxDistinctIDLength {
		ev.DistinctID = ev.DistinctID[:MaxDistinctIDLength]
	}

	if ev.Properties == nil {
		ev.Properties = Properties{}
	}

	// Fold legacy top-level $set / $set_once into the property bag. The
	// nested variants win on conflict because they are what current SDKs
	// send.
	if len(ev.Set) > 0 {
		merged := ev.Set.Copy()
		if existing, ok := ev.Properties.Map("$set"); ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		ev.Properties["$set"] = map[string]any(merged)
		ev.Set = nil
	}
	if len(ev.SetOnce) > 0 {
		merged := ev.SetOnce.Copy()
		if existing, ok := ev.Properties.Map("$set_once"); ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		ev.Properties["$set_once"] = map[string]any(merged)
		ev.SetOnce = nil
	}

	return &ev, nil
}
