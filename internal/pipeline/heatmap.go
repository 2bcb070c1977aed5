package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/arc-self/ingest-service/internal/event"
)

// EventHeatmap is the fast-path event name: such events carry only
// heatmap data and bypass identity, group, and enrichment processing.
const EventHeatmap = "$$heatmap"

// heatmapScale quantizes coordinates so nearby clicks aggregate into the
// same bucket downstream.
const heatmapScale = 16

// heatmapPoint is the per-coordinate shape inside $heatmap_data.
type heatmapPoint struct {
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	TargetFixed bool     `json:"target_fixed"`
	Type        string   `json:"type"`
}

// ExtractHeatmapEvents converts $heatmap_data (a map of URL → points)
// into per-coordinate records and always removes the key from the
// outgoing properties. A malformed payload returns an error which the
// caller reports as an invalid_heatmap_data warning; the event itself
// continues.
func ExtractHeatmapEvents(ev *event.PipelineEvent, teamID int64, ts time.Time) ([]event.HeatmapEvent, error) {
	raw, present := ev.Properties["$heatmap_data"]
	delete(ev.Properties, "$heatmap_data")
	if !present || raw == nil {
		return nil, nil
	}

	// Round-trip through JSON: the payload arrives as map[string]any and
	// re-decoding into the typed shape validates it in one step.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode heatmap data: %w", err)
	}
	var byURL map[string][]heatmapPoint
	if err := json.Unmarshal(encoded, &byURL); err != nil {
		return nil, fmt.Errorf("heatmap data is not a url→points map: %w", err)
	}

	sessionID, _ := ev.Properties.String("$session_id")
	viewportWidth, _ := ev.Properties.Float("$viewport_width")
	viewportHeight, _ := ev.Properties.Float("$viewport_height")

	var out []event.HeatmapEvent
	for url, points := range byURL {
		for _, pt := range points {
			if pt.X == nil || pt.Y == nil {
				return out, fmt.Errorf("heatmap point for %q is missing coordinates", url)
			}
			out = append(out, event.HeatmapEvent{
				UUID:               ev.UUID,
				TeamID:             teamID,
				DistinctID:         ev.DistinctID,
				SessionID:          sessionID,
				CurrentURL:         url,
				X:                  scaleCoord(*pt.X),
				Y:                  scaleCoord(*pt.Y),
				ScaleFactor:        heatmapScale,
				ViewportWidth:      scaleCoord(viewportWidth),
				ViewportHeight:     scaleCoord(viewportHeight),
				PointerTargetFixed: pt.TargetFixed,
				Type:               pt.Type,
				Timestamp:          event.FormatClickHouse(ts),
			})
		}
	}
	return out, nil
}

func scaleCoord(v float64) int {
	return int(math.Ceil(v / heatmapScale))
}
