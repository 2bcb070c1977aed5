package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
	"github.com/arc-self/ingest-service/internal/person"
)

// AssembleEnrichedEvent builds the downstream record from the normalized
// event and the resolved identity snapshot. snapshot is nil when person
// processing is disabled for the event.
func AssembleEnrichedEvent(ev *event.PipelineEvent, team *event.Team, snapshot *person.Snapshot, ts, now time.Time, logger *zap.Logger) (*event.EnrichedEvent, error) {
	if team.AnonymizeIPs {
		delete(ev.Properties, "$ip")
	}

	elementsChain := ""
	if elements, ok := ev.Properties["$elements"].([]any); ok {
		delete(ev.Properties, "$elements")
		chain, err := ElementsChain(elements)
		if err != nil {
			// Bad element payloads lose their chain, not the event.
			logger.Warn("failed to serialize elements chain",
				zap.String("event_uuid", ev.UUID),
				zap.Error(err),
			)
		} else {
			elementsChain = chain
		}
	}

	propsJSON, err := json.Marshal(ev.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}

	out := &event.EnrichedEvent{
		UUID:             ev.UUID,
		Event:            ev.Event,
		Properties:       string(propsJSON),
		Timestamp:        event.FormatClickHouse(ts),
		TeamID:           team.ID,
		ProjectID:        team.ProjectID,
		DistinctID:       ev.DistinctID,
		ElementsChain:    elementsChain,
		CreatedAt:        event.FormatClickHouse(now),
		PersonProperties: "{}",
		PersonMode:       string(event.PersonModePropertyless),
	}

	if snapshot != nil && snapshot.Person != nil {
		p := snapshot.Person
		out.PersonID = p.UUID.String()
		out.PersonCreatedAt = event.FormatClickHouse(p.CreatedAt)
		out.PersonMode = string(snapshot.Mode)
		if snapshot.Mode != event.PersonModeForceUpgrade {
			personProps, err := json.Marshal(p.Properties)
			if err != nil {
				return nil, fmt.Errorf("marshal person properties: %w", err)
			}
			out.PersonProperties = string(personProps)
		}
	}

	return out, nil
}

// element is the decoded shape of one entry in $elements.
type element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	AttrClass  []string
	NthChild   int
	NthOfType  int
	Attributes map[string]string
}

var reElementUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ElementsChain serializes the $elements array into the compact
// single-string form stored on the enriched record. Elements appear
// innermost first, separated by semicolons.
func ElementsChain(raw []any) (string, error) {
	parts := make([]string, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return "", fmt.Errorf("element %d is not an object", i)
		}
		el := decodeElement(m)
		parts = append(parts, formatElement(el))
	}
	return strings.Join(parts, ";"), nil
}

func decodeElement(m map[string]any) element {
	el := element{Attributes: map[string]string{}}
	if v, ok := m["tag_name"].(string); ok {
		el.TagName = v
	}
	if v, ok := m["$el_text"].(string); ok {
		el.Text = v
	} else if v, ok := m["text"].(string); ok {
		el.Text = v
	}
	if v, ok := m["href"].(string); ok {
		el.Href = v
	}
	if v, ok := m["attr_id"].(string); ok {
		el.AttrID = v
	}
	switch classes := m["attr_class"].(type) {
	case []any:
		for _, c := range classes {
			if s, ok := c.(string); ok {
				el.AttrClass = append(el.AttrClass, s)
			}
		}
	case string:
		el.AttrClass = strings.Fields(classes)
	}
	if v, ok := m["nth_child"].(float64); ok {
		el.NthChild = int(v)
	}
	if v, ok := m["nth_of_type"].(float64); ok {
		el.NthOfType = int(v)
	}
	if attrs, ok := m["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			if s, ok := v.(string); ok {
				el.Attributes[strings.TrimPrefix(k, "attr__")] = s
			}
		}
	}
	return el
}

// formatElement renders one element as
// tag.class1.class2:attr_id="x"href="y"text="z"nth-child="1"nth-of-type="2".
func formatElement(el element) string {
	var b strings.Builder

	tag := el.TagName
	if tag == "" {
		tag = "div"
	}
	b.WriteString(reElementUnsafe.ReplaceAllString(tag, ""))

	classes := append([]string(nil), el.AttrClass...)
	sort.Strings(classes)
	for _, c := range classes {
		c = reElementUnsafe.ReplaceAllString(c, "")
		if c != "" {
			b.WriteString("." + c)
		}
	}

	b.WriteString(":")
	if el.AttrID != "" {
		writeAttr(&b, "attr_id", el.AttrID)
	}
	if el.Href != "" {
		writeAttr(&b, "href", el.Href)
	}
	if el.Text != "" {
		writeAttr(&b, "text", el.Text)
	}
	writeAttr(&b, "nth-child", fmt.Sprintf("%d", el.NthChild))
	writeAttr(&b, "nth-of-type", fmt.Sprintf("%d", el.NthOfType))

	attrKeys := make([]string, 0, len(el.Attributes))
	for k := range el.Attributes {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)
	for _, k := range attrKeys {
		writeAttr(&b, k, el.Attributes[k])
	}

	return b.String()
}

func writeAttr(b *strings.Builder, key, value string) {
	value = strings.ReplaceAll(value, `"`, `\"`)
	value = strings.ReplaceAll(value, "\n", " ")
	fmt.Fprintf(b, `%s="%s"`, key, value)
}
