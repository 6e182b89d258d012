package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/menta2k/inventory-lens/pkg/types"
)

const (
	// DefaultEndpoint is the agentic object detection tool endpoint
	DefaultEndpoint = "https://api.va.landing.ai/v1/tools/agentic-object-detection"

	// DefaultModel selects the agentic detection mode
	DefaultModel = "agentic"

	maxErrorBody = 64 << 10
)

// Config holds configuration for the object detection client
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MinConfidence float64
}

// Client requests detection of every occurrence of one free-text label in an image
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *log.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for dropped detections
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a detection client. Missing endpoint and model fall back to the defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckConfig fails when the service credential is missing
func (c *Client) CheckConfig() error {
	if strings.TrimSpace(c.config.APIKey) == "" {
		return &types.ConfigurationError{Component: "object detection", Setting: "API key"}
	}
	return nil
}

// DetectFile reads the image at path and detects label in it
func (c *Client) DetectFile(ctx context.Context, path, label string) ([]types.DetectionInstance, error) {
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return c.detect(ctx, data, filepath.Base(path), label)
}

// Detect sends the encoded image and label to the detection service and returns
// every instance found. A response without the expected nested detection array
// yields no instances rather than an error.
func (c *Client) Detect(ctx context.Context, image []byte, label string) ([]types.DetectionInstance, error) {
	return c.detect(ctx, image, "image.jpg", label)
}

func (c *Client) detect(ctx context.Context, image []byte, filename, label string) ([]types.DetectionInstance, error) {
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("detection label is empty")
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("no image data provided")
	}

	body, contentType, err := buildRequestBody(image, filename, label, c.config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Basic "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &types.DetectionServiceError{Label: label, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &types.DetectionServiceError{Label: label, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.DetectionServiceError{Label: label, StatusCode: resp.StatusCode, Err: err}
	}

	return c.parseDetections(raw, label), nil
}

func buildRequestBody(image []byte, filename, label, model string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("prompts", label); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", model); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type detectResponse struct {
	Data json.RawMessage `json:"data"`
}

type rawDetection struct {
	Label       string    `json:"label"`
	Score       float64   `json:"score"`
	BoundingBox []float64 `json:"bounding_box"`
}

// parseDetections flattens the "array of arrays of detections" payload. Any
// shape mismatch is treated as no detections.
func (c *Client) parseDetections(raw []byte, label string) []types.DetectionInstance {
	var resp detectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Printf("WARN detection %q: response is not a JSON object, treating as no detections", label)
		return nil
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}

	var groups [][]rawDetection
	if err := json.Unmarshal(resp.Data, &groups); err != nil {
		c.logger.Printf("WARN detection %q: unexpected data shape, treating as no detections", label)
		return nil
	}

	var out []types.DetectionInstance
	for _, group := range groups {
		for _, d := range group {
			if len(d.BoundingBox) != 4 {
				c.logger.Printf("WARN detection %q: dropping box with %d coordinates", label, len(d.BoundingBox))
				continue
			}
			rect, err := NormalizeBox([4]float64{d.BoundingBox[0], d.BoundingBox[1], d.BoundingBox[2], d.BoundingBox[3]})
			if err != nil {
				c.logger.Printf("WARN detection %q: %v", label, err)
				continue
			}
			score := clamp(d.Score, 0, 1)
			if score < c.config.MinConfidence {
				continue
			}
			name := strings.TrimSpace(d.Label)
			if name == "" {
				name = label
			}
			out = append(out, types.DetectionInstance{Label: name, Confidence: score, Rect: rect})
		}
	}
	return out
}
