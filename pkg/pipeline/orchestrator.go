package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/inventory-lens/pkg/client"
	"github.com/menta2k/inventory-lens/pkg/cropper"
	"github.com/menta2k/inventory-lens/pkg/palette"
	"github.com/menta2k/inventory-lens/pkg/processing"
	"github.com/menta2k/inventory-lens/pkg/types"
)

// DefaultMaxCandidates is the number of scene candidates localized when no cap is configured
const DefaultMaxCandidates = 3

// totalTolerance is the allowed difference between declared and recomputed totals
const totalTolerance = 0.01

// SceneAnalyzer infers candidate objects from a whole image
type SceneAnalyzer interface {
	Analyze(ctx context.Context, img image.Image) (*types.SceneAnalysis, error)
}

// ObjectDetector localizes every instance of a label in an encoded image
type ObjectDetector interface {
	Detect(ctx context.Context, image []byte, label string) ([]types.DetectionInstance, error)
}

// Options tune a pipeline run
type Options struct {
	// MaxCandidates caps how many candidates are detected and cropped.
	// Zero selects DefaultMaxCandidates, a negative value disables the cap.
	MaxCandidates int
	// Concurrency is the number of candidates processed at once. Values below 1 mean 1.
	Concurrency int
	// ClampToBounds intersects detection rectangles with the image before cropping
	// instead of reporting them as out of bounds.
	ClampToBounds bool
	// Timeout bounds the whole run when positive
	Timeout time.Duration
	// ColorTags attaches the dominant colour name to every crop
	ColorTags bool
	Logger    *log.Logger
	OnEvent   func(Event)
}

// Orchestrator runs scene analysis, detection and cropping for one photo
type Orchestrator struct {
	scene    SceneAnalyzer
	detector ObjectDetector
	cropper  *cropper.Cropper
	opts     Options
	logger   *log.Logger

	eventMu sync.Mutex
}

// New creates an orchestrator. A nil cropper uses the default JPEG cropper.
func New(scene SceneAnalyzer, detector ObjectDetector, crop *cropper.Cropper, opts Options) *Orchestrator {
	if crop == nil {
		crop = cropper.New()
	}
	if opts.MaxCandidates == 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		scene:    scene,
		detector: detector,
		cropper:  crop,
		opts:     opts,
		logger:   logger,
	}
}

// CheckConfig verifies the credentials of both collaborators without any network I/O
func (o *Orchestrator) CheckConfig() error {
	for _, c := range []interface{}{o.scene, o.detector} {
		if cc, ok := c.(client.ConfigChecker); ok {
			if err := cc.CheckConfig(); err != nil {
				return err
			}
		}
	}
	return nil
}

// slot is the result of one candidate task
type slot struct {
	started   bool
	crops     types.CandidateCrops
	failures  []types.Failure
	configErr error
}

// Run analyzes src and returns the aggregated report.
//
// Configuration errors and scene analysis failures are returned as errors.
// Detection and crop failures are recorded in the report. When ctx is
// cancelled after scene analysis, the report holds what completed and is
// marked Partial.
func (o *Orchestrator) Run(ctx context.Context, src *processing.Source) (*types.AnalysisReport, error) {
	if src == nil || src.Image == nil {
		return nil, fmt.Errorf("no source image")
	}
	if err := o.CheckConfig(); err != nil {
		return nil, err
	}

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	analysis, err := o.scene.Analyze(ctx, src.Image)
	if err != nil {
		return nil, fmt.Errorf("scene analysis failed: %w", err)
	}
	o.logger.Printf("INFO scene: %d objects in %q (%s)", len(analysis.Objects), analysis.Room, time.Since(start).Round(time.Millisecond))
	o.emit(Event{Type: EventSceneDone, Index: -1, Room: analysis.Room, Count: len(analysis.Objects)})

	report := newReport(analysis)
	if report.TotalMismatch {
		o.logger.Printf("WARN scene: declared total %.2f differs from sum of objects %.2f", report.DeclaredTotalUSD, report.TotalEstimatedValueUSD)
	}

	selected := analysis.Objects
	if o.opts.MaxCandidates > 0 && len(selected) > o.opts.MaxCandidates {
		report.Skipped = len(selected) - o.opts.MaxCandidates
		selected = selected[:o.opts.MaxCandidates]
		o.logger.Printf("INFO scene: localizing first %d candidates, skipping %d", len(selected), report.Skipped)
	}

	data := src.Data
	if len(data) == 0 && len(selected) > 0 {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, src.Image, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
			return nil, fmt.Errorf("failed to encode source image: %w", err)
		}
		data = buf.Bytes()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	slots := make([]slot, len(selected))
	sem := make(chan struct{}, o.opts.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for i := range selected {
		select {
		case <-runCtx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if runCtx.Err() != nil {
			<-sem
			break dispatch
		}

		slots[i].started = true
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			o.processCandidate(runCtx, cancelRun, src.Image, data, i, selected[i], &slots[i])
		}(i)
	}
	wg.Wait()

	for i := range slots {
		if slots[i].configErr != nil {
			return nil, slots[i].configErr
		}
	}

	for i := range slots {
		s := &slots[i]
		if !s.started {
			s.crops = types.CandidateCrops{Index: i, Candidate: selected[i], Crops: []types.CroppedArtifact{}, Failed: true}
			s.failures = []types.Failure{{
				Stage:     types.StageCancelled,
				Candidate: selected[i].Name,
				Index:     i,
				Err:       contextErr(ctx).Error(),
			}}
		}
		report.Crops = append(report.Crops, s.crops)
		report.Failures = append(report.Failures, s.failures...)
	}
	report.Partial = ctx.Err() != nil

	o.logger.Printf("INFO run: %d crops, %d failures in %s", report.ArtifactCount(), len(report.Failures), time.Since(start).Round(time.Millisecond))
	o.emit(Event{Type: EventRunDone, Index: -1, Room: report.Room, Count: report.ArtifactCount(), Partial: report.Partial})
	return report, nil
}

func (o *Orchestrator) processCandidate(ctx context.Context, cancelRun context.CancelFunc, img image.Image, data []byte, i int, cand types.CandidateObject, s *slot) {
	s.crops = types.CandidateCrops{Index: i, Candidate: cand, Crops: []types.CroppedArtifact{}}
	o.emit(Event{Type: EventCandidateStart, Index: i, Candidate: cand.Name})

	instances, err := o.detector.Detect(ctx, data, cand.Name)
	if err != nil {
		if types.IsConfiguration(err) {
			s.configErr = err
			cancelRun()
			return
		}
		o.logger.Printf("ERROR detection %q: %v", cand.Name, err)
		s.crops.Failed = true
		s.failures = append(s.failures, types.Failure{
			Stage:     types.StageDetection,
			Candidate: cand.Name,
			Index:     i,
			Err:       err.Error(),
		})
		o.emit(Event{Type: EventCandidateFailed, Index: i, Candidate: cand.Name, Error: err.Error()})
		return
	}

	for n, inst := range instances {
		id := OutputID(cand.Name, n+1)
		artifact, err := o.cropInstance(img, inst, id)
		if err != nil {
			o.logger.Printf("WARN crop %s: %v", id, err)
			s.failures = append(s.failures, types.Failure{
				Stage:     types.StageCrop,
				Candidate: cand.Name,
				Index:     i,
				Instance:  n + 1,
				Err:       err.Error(),
			})
			continue
		}
		s.crops.Crops = append(s.crops.Crops, artifact)
	}

	o.emit(Event{Type: EventCandidateDone, Index: i, Candidate: cand.Name, Count: len(s.crops.Crops)})
}

func (o *Orchestrator) cropInstance(img image.Image, inst types.DetectionInstance, id string) (types.CroppedArtifact, error) {
	rect := inst.Rect
	if o.opts.ClampToBounds {
		rect = cropper.Clamp(img, rect)
	}

	sub, err := o.cropper.Crop(img, rect)
	if err != nil {
		return types.CroppedArtifact{}, err
	}
	encoded, err := o.cropper.Encode(sub)
	if err != nil {
		return types.CroppedArtifact{}, err
	}

	artifact := types.CroppedArtifact{
		SourceLabel: inst.Label,
		Confidence:  inst.Confidence,
		Rect:        rect,
		Image:       encoded,
		Format:      o.cropper.Format(),
		OutputID:    id,
	}
	if o.opts.ColorTags {
		artifact.ColorTag = palette.Dominant(sub)
	}
	return artifact, nil
}

func (o *Orchestrator) emit(e Event) {
	if o.opts.OnEvent == nil {
		return
	}
	e.Time = time.Now()
	o.eventMu.Lock()
	defer o.eventMu.Unlock()
	o.opts.OnEvent(e)
}

func newReport(analysis *types.SceneAnalysis) *types.AnalysisReport {
	candidates := make([]types.CandidateObject, len(analysis.Objects))
	copy(candidates, analysis.Objects)

	total := analysis.Sum()
	return &types.AnalysisReport{
		Room:                   analysis.Room,
		Candidates:             candidates,
		Crops:                  []types.CandidateCrops{},
		TotalEstimatedValueUSD: total,
		DeclaredTotalUSD:       analysis.TotalEstimatedValueUSD,
		TotalMismatch:          math.Abs(total-analysis.TotalEstimatedValueUSD) > totalTolerance,
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("run aborted")
}

// OutputID builds the identifier of the n-th crop of a candidate: whitespace
// runs in the name become a single underscore, followed by _n.
//
// Identifiers are unique within a candidate only. Two candidates with the same
// name each run their own detection and both yield chair_1, chair_2 and so on;
// callers writing crops to disk must add their own prefix (the candidate index
// or an item id) to keep file names apart.
func OutputID(name string, n int) string {
	return strings.Join(strings.Fields(name), "_") + "_" + strconv.Itoa(n)
}
