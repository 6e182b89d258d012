package types

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrDetectionService = errors.New("detection service error")
	ErrAnalysisParse    = errors.New("analysis parse error")
	ErrInvalidGeometry  = errors.New("invalid geometry")
	ErrOutOfBounds      = errors.New("geometry out of bounds")
)

// ConfigurationError reports a missing or unusable setting, usually a credential
type ConfigurationError struct {
	Component string
	Setting   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s is not set", ErrConfiguration.Error(), e.Component, e.Setting)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// DetectionServiceError carries the transport failure or the non-success
// response of the object detection service.
type DetectionServiceError struct {
	Label      string
	StatusCode int
	Body       string
	Err        error
}

func (e *DetectionServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: label %q: %v", ErrDetectionService.Error(), e.Label, e.Err)
	}
	return fmt.Sprintf("%s: label %q: status %d: %s", ErrDetectionService.Error(), e.Label, e.StatusCode, e.Body)
}

func (e *DetectionServiceError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDetectionService, e.Err}
	}
	return []error{ErrDetectionService}
}

// AnalysisParseError reports a scene analysis response that is not valid JSON
// or does not match the expected schema.
type AnalysisParseError struct {
	Raw string
	Err error
}

func (e *AnalysisParseError) Error() string {
	return fmt.Sprintf("%s: %v", ErrAnalysisParse.Error(), e.Err)
}

func (e *AnalysisParseError) Unwrap() []error { return []error{ErrAnalysisParse, e.Err} }

// InvalidGeometryError reports a degenerate or malformed bounding box
type InvalidGeometryError struct {
	Box    [4]float64
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("%s: box %v: %s", ErrInvalidGeometry.Error(), e.Box, e.Reason)
}

func (e *InvalidGeometryError) Unwrap() error { return ErrInvalidGeometry }

// GeometryOutOfBoundsError reports a crop region that exceeds the actual image
type GeometryOutOfBoundsError struct {
	Rect   image.Rectangle
	Bounds image.Rectangle
}

func (e *GeometryOutOfBoundsError) Error() string {
	return fmt.Sprintf("%s: region %v outside image bounds %v", ErrOutOfBounds.Error(), e.Rect, e.Bounds)
}

func (e *GeometryOutOfBoundsError) Unwrap() error { return ErrOutOfBounds }

// IsConfiguration reports whether err is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
