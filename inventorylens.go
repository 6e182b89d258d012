// Package inventorylens turns a photo of a room into an itemized, priced
// home inventory with one cropped image per detected object.
//
// A run has three stages. A vision model lists the objects in the photo with
// a price estimate and guesses the room. An agentic object detector then
// localizes each listed object by name. Finally every detection is cropped out
// of the original photo.
//
// Basic usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	lens, err := inventorylens.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	report, err := lens.Analyze(ctx, "living-room.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%s: %d objects worth $%.2f\n", report.Room, len(report.Candidates), report.TotalEstimatedValueUSD)
//
// The package consists of these components:
//
//  1. Scene analysis (pkg/scene) over a vision client (pkg/completions, pkg/ollama)
//  2. Object detection (pkg/detection)
//  3. Cropping (pkg/cropper)
//  4. Orchestration (pkg/pipeline)
//  5. Cataloguing into an item store (internal/store)
package inventorylens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/menta2k/inventory-lens/internal/config"
	"github.com/menta2k/inventory-lens/internal/store"
	"github.com/menta2k/inventory-lens/internal/utils"
	"github.com/menta2k/inventory-lens/pkg/client"
	"github.com/menta2k/inventory-lens/pkg/completions"
	"github.com/menta2k/inventory-lens/pkg/cropper"
	"github.com/menta2k/inventory-lens/pkg/detection"
	"github.com/menta2k/inventory-lens/pkg/ollama"
	"github.com/menta2k/inventory-lens/pkg/pipeline"
	"github.com/menta2k/inventory-lens/pkg/processing"
	"github.com/menta2k/inventory-lens/pkg/scene"
	"github.com/menta2k/inventory-lens/pkg/types"
)

// Version of the inventory lens library
const Version = "1.0.0"

// DefaultOllamaURL is used when the ollama backend has no endpoint configured
const DefaultOllamaURL = "http://localhost:11434"

// ErrInvalidImage is returned when a photo cannot be decoded or is too small
var ErrInvalidImage = errors.New("invalid image")

// Lens wires configuration, the external services, the orchestrator and the item store
type Lens struct {
	cfg          *config.Config
	processor    *processing.Processor
	cropper      *cropper.Cropper
	orchestrator *pipeline.Orchestrator
	store        store.ItemStore
	logger       *log.Logger

	scene    pipeline.SceneAnalyzer
	detector pipeline.ObjectDetector
	onEvent  func(pipeline.Event)
}

// Option customizes a Lens
type Option func(*Lens)

// WithStore sets the item store used by Catalog
func WithStore(s store.ItemStore) Option {
	return func(l *Lens) { l.store = s }
}

// WithLogger sets the logger used by every component
func WithLogger(logger *log.Logger) Option {
	return func(l *Lens) { l.logger = logger }
}

// WithEventHandler receives progress events of every run
func WithEventHandler(fn func(pipeline.Event)) Option {
	return func(l *Lens) { l.onEvent = fn }
}

// WithSceneAnalyzer replaces the configured scene analysis backend
func WithSceneAnalyzer(sa pipeline.SceneAnalyzer) Option {
	return func(l *Lens) { l.scene = sa }
}

// WithDetector replaces the configured object detection client
func WithDetector(d pipeline.ObjectDetector) Option {
	return func(l *Lens) { l.detector = d }
}

// New creates a Lens from cfg
func New(cfg *config.Config, opts ...Option) (*Lens, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := &Lens{
		cfg:       cfg,
		processor: processing.NewProcessor(),
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.scene == nil {
		vc, err := newVisionClient(cfg.Scene)
		if err != nil {
			return nil, err
		}
		l.scene = scene.New(vc, scene.Config{
			Model:       cfg.Scene.Model,
			MaxImageDim: cfg.Scene.MaxImageDim,
			JPEGQuality: cfg.Scene.JPEGQuality,
		})
	}
	if l.detector == nil {
		l.detector = detection.New(detection.Config{
			Endpoint:      cfg.Detection.Endpoint,
			APIKey:        cfg.Detection.APIKey,
			Model:         cfg.Detection.Model,
			Timeout:       cfg.DetectionTimeout(),
			MinConfidence: cfg.Detection.MinConfidence,
		}, detection.WithLogger(l.logger))
	}

	l.cropper = cropper.NewWithConfig(cropper.Config{
		Format:   cfg.Cropper.Format,
		Quality:  cfg.Cropper.Quality,
		Lossless: cfg.Cropper.Lossless,
	})
	l.orchestrator = pipeline.New(l.scene, l.detector, l.cropper, pipeline.Options{
		MaxCandidates: cfg.Pipeline.MaxCandidates,
		Concurrency:   cfg.Pipeline.Concurrency,
		ClampToBounds: cfg.Pipeline.ClampToBounds,
		Timeout:       cfg.PipelineTimeout(),
		ColorTags:     cfg.Pipeline.ColorTags,
		Logger:        l.logger,
		OnEvent:       l.onEvent,
	})
	return l, nil
}

func newVisionClient(cfg config.SceneConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case "ollama":
		url := cfg.Endpoint
		if url == "" {
			url = DefaultOllamaURL
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	default:
		return completions.NewClient(cfg.Endpoint, cfg.APIKey), nil
	}
}

// CheckConfig reports a missing credential of either external service
func (l *Lens) CheckConfig() error {
	return l.orchestrator.CheckConfig()
}

// Config returns the configuration the Lens was built from
func (l *Lens) Config() *config.Config {
	return l.cfg
}

// Store returns the item store, or nil when none was configured
func (l *Lens) Store() store.ItemStore {
	return l.store
}

// Cropper returns the cropper used for every run
func (l *Lens) Cropper() *cropper.Cropper {
	return l.cropper
}

// Load reads a photo from a file path or URL and validates its size
func (l *Lens) Load(source string) (*processing.Source, error) {
	src, err := l.processor.LoadSource(source)
	if errors.Is(err, processing.ErrUnsupportedImage) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	if err := processing.ValidateImage(src.Image, l.cfg.Pipeline.MinImageSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return src, nil
}

// Analyze loads a photo from a file path or URL and runs the pipeline on it
func (l *Lens) Analyze(ctx context.Context, source string) (*types.AnalysisReport, error) {
	src, err := l.Load(source)
	if err != nil {
		return nil, err
	}
	return l.Run(ctx, src)
}

// AnalyzeBytes runs the pipeline on an encoded photo held in memory
func (l *Lens) AnalyzeBytes(ctx context.Context, data []byte) (*types.AnalysisReport, error) {
	src, err := processing.SourceFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if err := processing.ValidateImage(src.Image, l.cfg.Pipeline.MinImageSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return l.Run(ctx, src)
}

// Run runs the pipeline on an already loaded source
func (l *Lens) Run(ctx context.Context, src *processing.Source) (*types.AnalysisReport, error) {
	return l.orchestrator.Run(ctx, src)
}

// Catalog stores one item per crop of report, or one item per candidate that
// has no crop, writing crop images to imageDir. Items are returned in report
// order.
func (l *Lens) Catalog(ctx context.Context, report *types.AnalysisReport, imageDir string) ([]store.Item, error) {
	if l.store == nil {
		return nil, fmt.Errorf("no item store configured")
	}
	if report == nil {
		return nil, fmt.Errorf("no report to catalog")
	}
	if err := utils.EnsureDir(imageDir); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	var items []store.Item
	for i, cand := range report.Candidates {
		crops := report.CropsFor(i)
		if len(crops) == 0 {
			item := store.Item{
				Name:           cand.Name,
				Room:           report.Room,
				EstimatedValue: cand.EstimatedCostUSD,
				Tags:           []string{"undetected"},
			}
			if err := l.store.Create(ctx, &item); err != nil {
				return items, fmt.Errorf("failed to catalog %s: %w", cand.Name, err)
			}
			items = append(items, item)
			continue
		}

		for _, crop := range crops {
			item, err := l.catalogCrop(ctx, report.Room, cand, crop, imageDir)
			if err != nil {
				return items, err
			}
			items = append(items, item)
		}
	}

	l.logger.Printf("INFO catalog: %d items from %q", len(items), report.Room)
	return items, nil
}

func (l *Lens) catalogCrop(ctx context.Context, room string, cand types.CandidateObject, crop types.CroppedArtifact, imageDir string) (store.Item, error) {
	// The id is chosen up front so the image name cannot collide with earlier runs
	item := store.Item{
		ID:             uuid.NewString(),
		Name:           cand.Name,
		Room:           room,
		Description:    fmt.Sprintf("%s detected with confidence %.2f", crop.SourceLabel, crop.Confidence),
		EstimatedValue: cand.EstimatedCostUSD,
	}
	if crop.ColorTag != "" {
		item.Tags = append(item.Tags, crop.ColorTag)
	}
	item.Tags = append(item.Tags, "detected")

	path := utils.CropFilename(imageDir, item.ID[:8]+"_", crop.OutputID, cropper.Extension(crop.Format))
	if err := cropper.WriteEncoded(crop.Image, path); err != nil {
		return store.Item{}, fmt.Errorf("failed to save %s: %w", crop.OutputID, err)
	}
	item.ImageRef = path

	if err := l.store.Create(ctx, &item); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			l.logger.Printf("WARN catalog: failed to remove %s: %v", path, rmErr)
		}
		return store.Item{}, fmt.Errorf("failed to catalog %s: %w", crop.OutputID, err)
	}
	return item, nil
}

// Summary returns a one-line human readable description of report
func Summary(report *types.AnalysisReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d objects, %d crops, $%.2f", report.Room, len(report.Candidates), report.ArtifactCount(), report.TotalEstimatedValueUSD)
	if report.TotalMismatch {
		fmt.Fprintf(&b, " (model said $%.2f)", report.DeclaredTotalUSD)
	}
	if report.Skipped > 0 {
		fmt.Fprintf(&b, ", %d not localized", report.Skipped)
	}
	if len(report.Failures) > 0 {
		fmt.Fprintf(&b, ", %d failures", len(report.Failures))
	}
	if report.Partial {
		b.WriteString(", partial")
	}
	return b.String()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
