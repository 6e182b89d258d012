package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Scene     SceneConfig     `json:"scene"`
	Detection DetectionConfig `json:"detection"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Cropper   CropperConfig   `json:"cropper"`
	Output    OutputConfig    `json:"output"`
	Store     StoreConfig     `json:"store"`
	Server    ServerConfig    `json:"server"`
}

// SceneConfig holds configuration for whole-image scene analysis
type SceneConfig struct {
	Backend     string `json:"backend"`  // openai or ollama
	Endpoint    string `json:"endpoint"` // empty selects the backend default
	APIKey      string `json:"-"`
	Model       string `json:"model"`
	MaxImageDim int    `json:"max_image_dim"`
	JPEGQuality int    `json:"jpeg_quality"`
}

// DetectionConfig holds configuration for the object detection service
type DetectionConfig struct {
	Endpoint       string  `json:"endpoint"`
	APIKey         string  `json:"-"`
	Model          string  `json:"model"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MinConfidence  float64 `json:"min_confidence"`
}

// PipelineConfig holds configuration for the orchestration run
type PipelineConfig struct {
	MaxCandidates  int  `json:"max_candidates"`
	Concurrency    int  `json:"concurrency"`
	ClampToBounds  bool `json:"clamp_to_bounds"`
	TimeoutSeconds int  `json:"timeout_seconds"`
	ColorTags      bool `json:"color_tags"`
	MinImageSize   int  `json:"min_image_size"`
}

// CropperConfig holds configuration for crop encoding
type CropperConfig struct {
	Format   string `json:"format"`
	Quality  int    `json:"quality"`
	Lossless bool   `json:"lossless"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	OutputDir string `json:"output_dir"`
	Report    bool   `json:"report"`
	Debug     bool   `json:"debug"`
}

// StoreConfig holds configuration for the item store
type StoreConfig struct {
	Path     string `json:"path"`
	ImageDir string `json:"image_dir"`
}

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Port          int   `json:"port"`
	MaxUploadSize int64 `json:"max_upload_size"`
	SpoolUploads  bool  `json:"spool_uploads"` // write each upload to a temp file before analysis
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Scene: SceneConfig{
			Backend:     "openai",
			Model:       "gpt-4o",
			MaxImageDim: 1568,
			JPEGQuality: 85,
		},
		Detection: DetectionConfig{
			Endpoint:       "https://api.va.landing.ai/v1/tools/agentic-object-detection",
			Model:          "agentic",
			TimeoutSeconds: 120,
			MinConfidence:  0,
		},
		Pipeline: PipelineConfig{
			MaxCandidates:  3,
			Concurrency:    1,
			ClampToBounds:  false,
			TimeoutSeconds: 0,
			ColorTags:      true,
			MinImageSize:   32,
		},
		Cropper: CropperConfig{
			Format:  "jpg",
			Quality: 90,
		},
		Output: OutputConfig{
			OutputDir: "./output",
			Report:    true,
		},
		Store: StoreConfig{
			Path:     "./inventory.db",
			ImageDir: "./images",
		},
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: 20 << 20,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, an
// optional .env file and the process environment, in that order of precedence.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		fileCfg, err := LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file. Fields absent from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides settings from environment variables. Credentials are only
// read from the environment.
func (c *Config) ApplyEnv() {
	c.Scene.APIKey = getEnv("OPENAI_API_KEY", c.Scene.APIKey)
	c.Detection.APIKey = getEnv("VISION_AGENT_API_KEY", c.Detection.APIKey)

	c.Scene.Backend = getEnv("INVENTORY_SCENE_BACKEND", c.Scene.Backend)
	c.Scene.Endpoint = getEnv("INVENTORY_SCENE_ENDPOINT", c.Scene.Endpoint)
	c.Scene.Model = getEnv("INVENTORY_SCENE_MODEL", c.Scene.Model)
	c.Detection.Endpoint = getEnv("INVENTORY_DETECTION_ENDPOINT", c.Detection.Endpoint)
	c.Detection.MinConfidence = getEnvAsFloat("INVENTORY_MIN_CONFIDENCE", c.Detection.MinConfidence)

	c.Pipeline.MaxCandidates = getEnvAsInt("INVENTORY_MAX_CANDIDATES", c.Pipeline.MaxCandidates)
	c.Pipeline.Concurrency = getEnvAsInt("INVENTORY_CONCURRENCY", c.Pipeline.Concurrency)
	c.Pipeline.ClampToBounds = getEnvAsBool("INVENTORY_CLAMP_TO_BOUNDS", c.Pipeline.ClampToBounds)
	c.Pipeline.TimeoutSeconds = getEnvAsInt("INVENTORY_TIMEOUT_SECONDS", c.Pipeline.TimeoutSeconds)

	c.Output.OutputDir = getEnv("INVENTORY_OUTPUT_DIR", c.Output.OutputDir)
	c.Store.Path = getEnv("INVENTORY_DB_PATH", c.Store.Path)
	c.Store.ImageDir = getEnv("INVENTORY_IMAGE_DIR", c.Store.ImageDir)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
}

// SaveToFile saves configuration to a JSON file. Credentials are never written.
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. Missing credentials are not
// checked here; the clients report them before any request is made.
func (c *Config) Validate() error {
	switch c.Scene.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("scene.backend must be openai or ollama, got %q", c.Scene.Backend)
	}

	if c.Scene.Model == "" {
		return fmt.Errorf("scene.model cannot be empty")
	}

	if c.Scene.MaxImageDim < 0 {
		return fmt.Errorf("scene.max_image_dim cannot be negative")
	}

	if c.Scene.JPEGQuality < 1 || c.Scene.JPEGQuality > 100 {
		return fmt.Errorf("scene.jpeg_quality must be between 1 and 100")
	}

	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		return fmt.Errorf("detection.min_confidence must be between 0 and 1")
	}

	if c.Detection.TimeoutSeconds < 0 || c.Pipeline.TimeoutSeconds < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1")
	}

	if c.Pipeline.MinImageSize < 1 {
		return fmt.Errorf("pipeline.min_image_size must be positive")
	}

	switch strings.ToLower(c.Cropper.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("cropper.format must be jpg, png or webp, got %q", c.Cropper.Format)
	}

	if c.Cropper.Quality < 1 || c.Cropper.Quality > 100 {
		return fmt.Errorf("cropper.quality must be between 1 and 100")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.MaxUploadSize < 1 {
		return fmt.Errorf("server.max_upload_size must be positive")
	}

	return nil
}

// DetectionTimeout returns the per-request detection timeout
func (c *Config) DetectionTimeout() time.Duration {
	return time.Duration(c.Detection.TimeoutSeconds) * time.Second
}

// PipelineTimeout returns the whole-run timeout, zero meaning none
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "inventory-lens", "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
