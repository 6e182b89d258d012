package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	inventorylens "github.com/menta2k/inventory-lens"
	"github.com/menta2k/inventory-lens/internal/config"
	"github.com/menta2k/inventory-lens/internal/store"
	"github.com/menta2k/inventory-lens/internal/utils"
	"github.com/menta2k/inventory-lens/pkg/cropper"
	"github.com/menta2k/inventory-lens/pkg/pipeline"
	"github.com/menta2k/inventory-lens/pkg/processing"
	"github.com/menta2k/inventory-lens/pkg/types"
)

func main() {
	var in, outDir, configPath, saveConfig string
	var backend, endpoint, model string
	var ext string
	var quality, maxCandidates, concurrency int
	var lossless, clamp, debug, catalog, verbose bool

	// Debug overlay format (separate from crop ext)
	var dbgext string
	var dbgquality int

	flag.StringVar(&in, "in", "", "input photo path, URL or directory (jpg/png/gif/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&configPath, "config", "", "JSON config file (default: "+config.GetConfigPath()+" when present)")
	flag.StringVar(&saveConfig, "save-config", "", "write the effective configuration (without credentials) to this file")

	flag.StringVar(&backend, "backend", "", "scene analysis backend: openai or ollama")
	flag.StringVar(&endpoint, "url", "", "scene analysis server URL (defaults: openai=https://api.openai.com, ollama=http://localhost:11434)")
	flag.StringVar(&model, "model", "", "scene analysis model name")

	flag.StringVar(&ext, "ext", "", "output format for crops: jpg|png|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality for crops (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode for crops")

	flag.IntVar(&maxCandidates, "max", 0, "objects to localize per photo, -1 for all")
	flag.IntVar(&concurrency, "concurrency", 0, "objects localized in parallel")
	flag.BoolVar(&clamp, "clamp", false, "clamp detections that exceed the photo instead of failing them")

	flag.BoolVar(&debug, "debug", false, "write a debug overlay with every detection box")
	flag.StringVar(&dbgext, "dbgext", "png", "debug overlay format: png|jpg|webp")
	flag.IntVar(&dbgquality, "dbgquality", 92, "debug overlay quality (for jpg/webp)")

	flag.BoolVar(&catalog, "catalog", false, "store the results in the item database")
	flag.BoolVar(&verbose, "v", false, "log progress events")

	flag.Parse()
	if in == "" && saveConfig == "" {
		log.Fatalf("usage: %s -in photo.jpg|URL|dir [-config config.json] [-backend openai|ollama] [-out outdir] [-ext jpg|png|webp] [-max 3] [-catalog]", filepath.Base(os.Args[0]))
	}

	if configPath == "" && utils.FileExists(config.GetConfigPath()) {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Only flags given on the command line override the config
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.OutputDir = outDir
		case "backend":
			cfg.Scene.Backend = backend
		case "url":
			cfg.Scene.Endpoint = endpoint
		case "model":
			cfg.Scene.Model = model
		case "ext":
			cfg.Cropper.Format = ext
		case "quality":
			cfg.Cropper.Quality = quality
		case "lossless":
			cfg.Cropper.Lossless = lossless
		case "max":
			cfg.Pipeline.MaxCandidates = maxCandidates
		case "concurrency":
			cfg.Pipeline.Concurrency = concurrency
		case "clamp":
			cfg.Pipeline.ClampToBounds = clamp
		case "debug":
			cfg.Output.Debug = debug
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if saveConfig != "" {
		if err := cfg.SaveToFile(saveConfig); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		log.Printf("wrote %s", saveConfig)
		if in == "" {
			return
		}
	}
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		log.Fatal(err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	opts := []inventorylens.Option{inventorylens.WithLogger(logger)}
	if verbose {
		opts = append(opts, inventorylens.WithEventHandler(func(e pipeline.Event) {
			logEvent(logger, e)
		}))
	}

	var items *store.SQLite
	if catalog {
		items, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("Failed to open item store: %v", err)
		}
		defer items.Close()
		opts = append(opts, inventorylens.WithStore(items))
	}

	lens, err := inventorylens.New(cfg, opts...)
	if err != nil {
		log.Fatal(err)
	}
	if err := lens.CheckConfig(); err != nil {
		log.Fatal(err)
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in)
		if err != nil {
			log.Fatalf("Failed to list %s: %v", in, err)
		}
		if len(inputs) == 0 {
			log.Fatalf("No image files in %s", in)
		}
	}

	overlay := overlayOptions{format: strings.ToLower(dbgext), quality: dbgquality}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, input := range inputs {
		dir := cfg.Output.OutputDir
		if len(inputs) > 1 {
			dir = filepath.Join(dir, utils.SanitizeFilename(utils.BaseName(input)))
		}
		if err := scan(ctx, lens, cfg, input, dir, overlay); err != nil {
			log.Printf("%s: %v", input, err)
			failed++
			if types.IsConfiguration(err) || ctx.Err() != nil {
				break
			}
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// overlayOptions controls the debug overlay image
type overlayOptions struct {
	format  string
	quality int
}

// scan runs the pipeline on one photo and writes its crops and report to outDir
func scan(ctx context.Context, lens *inventorylens.Lens, cfg *config.Config, input, outDir string, dbg overlayOptions) error {
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	src, err := lens.Load(input)
	if err != nil {
		return err
	}
	info := src.Info()
	log.Printf("loaded %s (%dx%d %s)", input, info.Width, info.Height, info.Format)

	report, err := lens.Run(ctx, src)
	if err != nil {
		return err
	}
	log.Print(inventorylens.Summary(report))

	for _, group := range report.Crops {
		for _, crop := range group.Crops {
			path := utils.CropFilename(outDir, fmt.Sprintf("%03d_", group.Index+1), crop.OutputID, cropper.Extension(crop.Format))
			if err := cropper.WriteEncoded(crop.Image, path); err != nil {
				log.Printf("save %s failed: %v", path, err)
				continue
			}
			label := crop.OutputID
			if crop.ColorTag != "" {
				label += " [" + crop.ColorTag + "]"
			}
			log.Printf("wrote %s (%s, conf=%.2f, %s)", path, label, crop.Confidence, utils.FormatFileSize(int64(len(crop.Image))))
		}
	}
	for _, f := range report.Failures {
		log.Printf("failed %s #%d (%s): %s", f.Candidate, f.Index+1, f.Stage, f.Err)
	}

	if cfg.Output.Debug {
		overlay := processing.CreateDebugOverlay(src.Image, report)
		dbgPath := filepath.Join(outDir, "000_detections."+cropper.Extension(dbg.format))
		if err := processing.SaveImage(overlay, dbgPath, dbg.format, dbg.quality, false); err != nil {
			log.Printf("debug overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", dbgPath)
		}
	}

	if cfg.Output.Report {
		js, _ := json.MarshalIndent(report, "", "  ")
		if err := os.WriteFile(filepath.Join(outDir, "report.json"), js, 0o644); err != nil {
			log.Printf("report save failed: %v", err)
		}
	}

	if lens.Store() != nil {
		items, err := lens.Catalog(ctx, report, cfg.Store.ImageDir)
		if err != nil {
			return fmt.Errorf("catalog failed: %w", err)
		}
		log.Printf("catalogued %d items", len(items))
	}
	return nil
}

func logEvent(logger *log.Logger, e pipeline.Event) {
	switch e.Type {
	case pipeline.EventSceneDone:
		logger.Printf("scene: %d objects in %q", e.Count, e.Room)
	case pipeline.EventCandidateStart:
		logger.Printf("[%d] localizing %q", e.Index+1, e.Candidate)
	case pipeline.EventCandidateDone:
		logger.Printf("[%d] %q: %d crops", e.Index+1, e.Candidate, e.Count)
	case pipeline.EventCandidateFailed:
		logger.Printf("[%d] %q failed: %s", e.Index+1, e.Candidate, e.Error)
	}
}
