package types

import (
	"image"
	"math"
)

// Rectangle is an axis-aligned pixel region with its origin at the top-left corner
type Rectangle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the rectangle has no area
func (r Rectangle) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ImageRect converts the rectangle to integer pixel bounds by rounding its edges
func (r Rectangle) ImageRect() image.Rectangle {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.Width))
	y1 := int(math.Round(r.Y + r.Height))
	return image.Rect(x0, y0, x1, y1)
}

// DetectionInstance is one localized occurrence of a requested label
type DetectionInstance struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Rect       Rectangle `json:"rectangle"`
}

// CandidateObject is an object inferred by scene analysis, prior to localization
type CandidateObject struct {
	Name             string  `json:"name"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// SceneAnalysis is the whole-image result of the vision and pricing model.
// TotalEstimatedValueUSD is kept exactly as the model declared it.
type SceneAnalysis struct {
	Objects                []CandidateObject `json:"objects"`
	Room                   string            `json:"room"`
	TotalEstimatedValueUSD float64           `json:"total_estimated_value_usd"`
}

// Sum returns the sum of the candidate cost estimates
func (s *SceneAnalysis) Sum() float64 {
	var total float64
	for _, o := range s.Objects {
		total += o.EstimatedCostUSD
	}
	return total
}

// CroppedArtifact is the encoded sub-image extracted for one detection instance
type CroppedArtifact struct {
	SourceLabel string    `json:"source_label"`
	Confidence  float64   `json:"confidence"`
	Rect        Rectangle `json:"rectangle"`
	Image       []byte    `json:"-"`
	Format      string    `json:"format"`
	OutputID    string    `json:"output_id"`
	ColorTag    string    `json:"color_tag,omitempty"`
}

// CandidateCrops holds the crops produced for one processed candidate.
// Index is the candidate position in the scene analysis output.
type CandidateCrops struct {
	Index     int               `json:"index"`
	Candidate CandidateObject   `json:"candidate"`
	Crops     []CroppedArtifact `json:"crops"`
	Failed    bool              `json:"failed"`
}

// Failure stages
const (
	StageDetection = "detection"
	StageCrop      = "crop"
	StageCancelled = "cancelled"
)

// Failure records a unit of work that did not produce results.
// Instance is the 1-based detection number for crop failures and 0 otherwise.
type Failure struct {
	Stage     string `json:"stage"`
	Candidate string `json:"candidate"`
	Index     int    `json:"index"`
	Instance  int    `json:"instance,omitempty"`
	Err       string `json:"error"`
}

// AnalysisReport is the aggregated result of one orchestration run
type AnalysisReport struct {
	Room                   string            `json:"room"`
	Candidates             []CandidateObject `json:"candidates"`
	Crops                  []CandidateCrops  `json:"crops"`
	Failures               []Failure         `json:"failures,omitempty"`
	TotalEstimatedValueUSD float64           `json:"total_estimated_value_usd"`
	DeclaredTotalUSD       float64           `json:"declared_total_usd"`
	TotalMismatch          bool              `json:"total_mismatch"`
	Skipped                int               `json:"skipped"`
	Partial                bool              `json:"partial"`
}

// CropsFor returns the crops of the candidate at index i, or nil when it was not processed
func (r *AnalysisReport) CropsFor(i int) []CroppedArtifact {
	for _, c := range r.Crops {
		if c.Index == i {
			return c.Crops
		}
	}
	return nil
}

// ArtifactCount returns the total number of crops in the report
func (r *AnalysisReport) ArtifactCount() int {
	n := 0
	for _, c := range r.Crops {
		n += len(c.Crops)
	}
	return n
}
