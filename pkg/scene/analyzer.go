package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/menta2k/inventory-lens/pkg/client"
	"github.com/menta2k/inventory-lens/pkg/processing"
	"github.com/menta2k/inventory-lens/pkg/types"
)

// DefaultPrompt asks for a decomposed object list with prices and a room label
const DefaultPrompt = `You are a home inventory appraiser.

List EVERY distinct physical object visible in this photo and estimate its market value.

Return JSON only:
{
  "objects": [
    {"name": "string", "estimated_cost_usd": 0.0}
  ],
  "room": "string",
  "total_estimated_value_usd": 0.0
}

HARD RULES
- One entry per discrete object. Two chairs are two entries.
- Decompose compound things: a potted plant is "plant" and "black pot", never "potted plant".
- Never describe placement or relations ("lamp on table" is "lamp" and "table").
- Do not include size words (small, large, tall) in names.
- Names are short common nouns with at most one colour or material word.
- estimated_cost_usd is a realistic current market price in US dollars for that single object.
- room is your single best guess for the room shown (e.g. "Living Room", "Kitchen", "Garage").
- total_estimated_value_usd is the sum of all estimated_cost_usd values.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config holds configuration for scene analysis
type Config struct {
	Model       string
	MaxImageDim int
	JPEGQuality int
	Prompt      string
}

// Analyzer infers the objects, their value and the room from a whole photo
type Analyzer struct {
	client client.VisionClient
	config Config
}

// New creates a scene analyzer on top of a vision client
func New(vc client.VisionClient, cfg Config) *Analyzer {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	return &Analyzer{client: vc, config: cfg}
}

// CheckConfig reports a missing credential of the underlying client
func (a *Analyzer) CheckConfig() error {
	if cc, ok := a.client.(client.ConfigChecker); ok {
		return cc.CheckConfig()
	}
	return nil
}

// Analyze sends img to the model once and parses the reply. The call is not retried.
func (a *Analyzer) Analyze(ctx context.Context, img image.Image) (*types.SceneAnalysis, error) {
	if err := a.CheckConfig(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("no image to analyze")
	}

	imgB64, err := processing.PrepareImageForModel(img, "jpg", a.config.MaxImageDim, a.config.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for model: %w", err)
	}

	raw, err := a.client.Complete(ctx, a.config.Model, a.config.Prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("scene analysis request failed: %w", err)
	}

	return Parse(raw)
}

type wireObject struct {
	Name *string  `json:"name"`
	Cost *float64 `json:"estimated_cost_usd"`
}

type wireScene struct {
	Objects *[]wireObject `json:"objects"`
	Room    *string       `json:"room"`
	Total   *float64      `json:"total_estimated_value_usd"`
}

// Parse decodes a model reply into a SceneAnalysis. Code fences around the JSON
// are tolerated; anything else that is not the expected schema is an
// AnalysisParseError. The declared total is returned as-is.
func Parse(raw string) (*types.SceneAnalysis, error) {
	cleaned := stripFences(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, &types.AnalysisParseError{Raw: raw, Err: errors.New("reply is not a JSON object")}
	}

	var w wireScene
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&w); err != nil {
		return nil, &types.AnalysisParseError{Raw: raw, Err: err}
	}
	if dec.More() {
		return nil, &types.AnalysisParseError{Raw: raw, Err: errors.New("trailing data after JSON object")}
	}

	switch {
	case w.Objects == nil:
		return nil, &types.AnalysisParseError{Raw: raw, Err: errors.New(`missing "objects"`)}
	case w.Room == nil:
		return nil, &types.AnalysisParseError{Raw: raw, Err: errors.New(`missing "room"`)}
	case w.Total == nil:
		return nil, &types.AnalysisParseError{Raw: raw, Err: errors.New(`missing "total_estimated_value_usd"`)}
	}

	out := &types.SceneAnalysis{
		Objects:                make([]types.CandidateObject, 0, len(*w.Objects)),
		Room:                   strings.TrimSpace(*w.Room),
		TotalEstimatedValueUSD: *w.Total,
	}
	for i, o := range *w.Objects {
		if o.Name == nil || strings.TrimSpace(*o.Name) == "" {
			return nil, &types.AnalysisParseError{Raw: raw, Err: fmt.Errorf("object %d has no name", i)}
		}
		if o.Cost == nil {
			return nil, &types.AnalysisParseError{Raw: raw, Err: fmt.Errorf("object %d (%s) has no estimated_cost_usd", i, *o.Name)}
		}
		if *o.Cost < 0 || math.IsNaN(*o.Cost) {
			return nil, &types.AnalysisParseError{Raw: raw, Err: fmt.Errorf("object %d (%s) has negative cost", i, *o.Name)}
		}
		out.Objects = append(out.Objects, types.CandidateObject{
			Name:             strings.TrimSpace(*o.Name),
			EstimatedCostUSD: *o.Cost,
		})
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, if present
func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		} else {
			raw = strings.TrimPrefix(raw, "```")
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	return strings.TrimSpace(raw)
}
