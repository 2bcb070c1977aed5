package pipeline

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/arc-self/ingest-service/internal/event"
)

// AI event names carrying token usage.
const (
	EventAIGeneration = "$ai_generation"
	EventAIEmbedding  = "$ai_embedding"
)

// modelCost is USD per million tokens.
type modelCost struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// modelCosts maps model-name prefixes to pricing. Longest matching prefix
// wins, so "gpt-4o-mini" is distinguished from "gpt-4o".
var modelCosts = map[string]modelCost{
	"gpt-4o":                 {2.50, 10.00},
	"gpt-4o-mini":            {0.15, 0.60},
	"gpt-4.1":                {2.00, 8.00},
	"gpt-4.1-mini":           {0.40, 1.60},
	"o3":                     {2.00, 8.00},
	"claude-3-5-sonnet":      {3.00, 15.00},
	"claude-3-5-haiku":       {0.80, 4.00},
	"claude-3-opus":          {15.00, 75.00},
	"claude-sonnet-4":        {3.00, 15.00},
	"claude-opus-4":          {15.00, 75.00},
	"gemini-1.5-pro":         {1.25, 5.00},
	"gemini-1.5-flash":       {0.075, 0.30},
	"gemini-2.0-flash":       {0.10, 0.40},
	"text-embedding-3-small": {0.02, 0},
	"text-embedding-3-large": {0.13, 0},
	"mistral-large":          {2.00, 6.00},
	"llama-3.1-70b":          {0.72, 0.72},
}

// ProcessAIEvent derives cost properties for $ai_generation and
// $ai_embedding events from the model pricing table. Events without a
// recognizable model or token counts are left untouched; this step never
// fails the event.
func ProcessAIEvent(ev *event.PipelineEvent, logger *zap.Logger) {
	if ev.Event != EventAIGeneration && ev.Event != EventAIEmbedding {
		return
	}

	inputTokens, _ := ev.Properties.Float("$ai_input_tokens")
	outputTokens, _ := ev.Properties.Float("$ai_output_tokens")
	if inputTokens == 0 && outputTokens == 0 {
		return
	}
	ev.Properties["$ai_total_tokens"] = inputTokens + outputTokens

	model, _ := ev.Properties.String("$ai_model")
	cost, ok := costForModel(model)
	if !ok {
		logger.Debug("no pricing for model, skipping cost computation",
			zap.String("model", model),
			zap.String("event_uuid", ev.UUID),
		)
		return
	}

	inputCost := inputTokens / 1e6 * cost.InputPerMTok
	outputCost := outputTokens / 1e6 * cost.OutputPerMTok
	ev.Properties["$ai_input_cost_usd"] = roundCost(inputCost)
	ev.Properties["$ai_output_cost_usd"] = roundCost(outputCost)
	ev.Properties["$ai_total_cost_usd"] = roundCost(inputCost + outputCost)
}

// costForModel finds the longest prefix of model present in the pricing
// table.
func costForModel(model string) (modelCost, bool) {
	model = strings.ToLower(model)
	var (
		best    modelCost
		bestLen = -1
	)
	for prefix, cost := range modelCosts {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = cost, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// roundCost keeps cost properties at a stable 10-decimal precision so
// replayed events serialize identically.
func roundCost(v float64) float64 {
	return math.Round(v*1e10) / 1e10
}
