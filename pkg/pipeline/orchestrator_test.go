package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/inventory-lens/pkg/cropper"
	"github.com/menta2k/inventory-lens/pkg/detection"
	"github.com/menta2k/inventory-lens/pkg/processing"
	"github.com/menta2k/inventory-lens/pkg/types"
)

type fakeScene struct {
	analysis *types.SceneAnalysis
	err      error
	missing  bool
	calls    int
}

func (f *fakeScene) Analyze(ctx context.Context, img image.Image) (*types.SceneAnalysis, error) {
	f.calls++
	return f.analysis, f.err
}

func (f *fakeScene) CheckConfig() error {
	if f.missing {
		return &types.ConfigurationError{Component: "scene analysis", Setting: "API key"}
	}
	return nil
}

type fakeDetector struct {
	mu       sync.Mutex
	results  map[string][]types.DetectionInstance
	errs     map[string]error
	labels   []string
	missing  bool
	onDetect func(label string)
	lastData []byte
}

func (f *fakeDetector) Detect(ctx context.Context, data []byte, label string) ([]types.DetectionInstance, error) {
	f.mu.Lock()
	f.labels = append(f.labels, label)
	f.lastData = data
	hook := f.onDetect
	f.mu.Unlock()

	if hook != nil {
		hook(label)
	}
	if err := f.errs[label]; err != nil {
		return nil, err
	}
	return f.results[label], nil
}

func (f *fakeDetector) CheckConfig() error {
	if f.missing {
		return &types.ConfigurationError{Component: "object detection", Setting: "API key"}
	}
	return nil
}

func (f *fakeDetector) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.labels...)
}

func instance(t *testing.T, label string, conf float64, box [4]float64) types.DetectionInstance {
	t.Helper()
	rect, err := detection.NormalizeBox(box)
	if err != nil {
		t.Fatalf("NormalizeBox(%v): %v", box, err)
	}
	return types.DetectionInstance{Label: label, Confidence: conf, Rect: rect}
}

func testSource(w, h int) *processing.Source {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	return &processing.Source{Name: "test", Data: []byte("encoded"), Image: img, Format: "png"}
}

func objects(names ...string) []types.CandidateObject {
	out := make([]types.CandidateObject, len(names))
	for i, n := range names {
		out[i] = types.CandidateObject{Name: n, EstimatedCostUSD: float64(10 * (i + 1))}
	}
	return out
}

func decodedSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("crop is not a JPEG: %v", err)
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestRunLivingRoom(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{
		Objects: []types.CandidateObject{
			{Name: "Lamp", EstimatedCostUSD: 40},
			{Name: "Chair", EstimatedCostUSD: 120},
		},
		Room:                   "Living Room",
		TotalEstimatedValueUSD: 160,
	}}
	det := &fakeDetector{results: map[string][]types.DetectionInstance{
		"Lamp": {instance(t, "Lamp", 0.9, [4]float64{10, 10, 60, 110})},
		"Chair": {
			instance(t, "Chair", 0.8, [4]float64{0, 0, 100, 100}),
			instance(t, "Chair", 0.75, [4]float64{150, 150, 250, 300}),
		},
	}}

	o := New(sc, det, cropper.New(), Options{})
	report, err := o.Run(context.Background(), testSource(320, 320))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(report.Candidates))
	}
	if report.Room != "Living Room" {
		t.Errorf("Expected room Living Room, got %q", report.Room)
	}
	if report.TotalEstimatedValueUSD != 160 || report.TotalMismatch {
		t.Errorf("Expected total 160 without mismatch, got %f (mismatch %v)", report.TotalEstimatedValueUSD, report.TotalMismatch)
	}
	if len(report.Failures) != 0 || report.Partial || report.Skipped != 0 {
		t.Errorf("Unexpected failures/partial/skipped: %+v", report)
	}

	lamp := report.CropsFor(0)
	if len(lamp) != 1 || lamp[0].OutputID != "Lamp_1" {
		t.Fatalf("Unexpected lamp crops %+v", lamp)
	}
	if w, h := decodedSize(t, lamp[0].Image); w != 50 || h != 100 {
		t.Errorf("Expected Lamp_1 50x100, got %dx%d", w, h)
	}
	if lamp[0].Confidence != 0.9 || lamp[0].SourceLabel != "Lamp" {
		t.Errorf("Unexpected lamp metadata %+v", lamp[0])
	}

	chair := report.CropsFor(1)
	if len(chair) != 2 || chair[0].OutputID != "Chair_1" || chair[1].OutputID != "Chair_2" {
		t.Fatalf("Unexpected chair crops %+v", chair)
	}
	if w, h := decodedSize(t, chair[1].Image); w != 100 || h != 150 {
		t.Errorf("Expected Chair_2 100x150, got %dx%d", w, h)
	}
	if report.ArtifactCount() != 3 {
		t.Errorf("Expected 3 artifacts, got %d", report.ArtifactCount())
	}
}

func TestRunCapsCandidatesInOrder(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("a", "b", "c", "d", "e"), Room: "Garage", TotalEstimatedValueUSD: 150}}
	det := &fakeDetector{}

	report, err := New(sc, det, nil, Options{MaxCandidates: 3}).Run(context.Background(), testSource(50, 50))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := det.calls()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d detection calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if len(report.Candidates) != 5 || len(report.Crops) != 3 || report.Skipped != 2 {
		t.Errorf("Expected 5 candidates, 3 processed, 2 skipped; got %d/%d/%d", len(report.Candidates), len(report.Crops), report.Skipped)
	}
	if report.TotalEstimatedValueUSD != 150 {
		t.Errorf("Total should cover all candidates, got %f", report.TotalEstimatedValueUSD)
	}
}

func TestRunDefaultAndUnlimitedCap(t *testing.T) {
	names := objects("a", "b", "c", "d", "e")

	det := &fakeDetector{}
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: names, Room: "Den", TotalEstimatedValueUSD: 150}}
	if _, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20)); err != nil {
		t.Fatal(err)
	}
	if n := len(det.calls()); n != DefaultMaxCandidates {
		t.Errorf("Expected %d calls by default, got %d", DefaultMaxCandidates, n)
	}

	det = &fakeDetector{}
	if _, err := New(sc, det, nil, Options{MaxCandidates: -1}).Run(context.Background(), testSource(20, 20)); err != nil {
		t.Fatal(err)
	}
	if n := len(det.calls()); n != 5 {
		t.Errorf("Expected 5 calls without cap, got %d", n)
	}
}

func TestRunNoDetectionsKeepsCandidate(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Vase"), Room: "Hall", TotalEstimatedValueUSD: 10}}
	det := &fakeDetector{}

	report, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Crops) != 1 {
		t.Fatalf("Expected 1 candidate entry, got %d", len(report.Crops))
	}
	entry := report.Crops[0]
	if entry.Candidate.Name != "Vase" || entry.Crops == nil || len(entry.Crops) != 0 || entry.Failed {
		t.Errorf("Expected empty, non-failed crop list for Vase, got %+v", entry)
	}
}

func TestRunDetectionFailureIsIsolated(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Lamp", "Chair", "Rug"), Room: "Den", TotalEstimatedValueUSD: 60}}
	det := &fakeDetector{
		results: map[string][]types.DetectionInstance{
			"Chair": {instance(t, "Chair", 0.8, [4]float64{0, 0, 10, 10})},
			"Rug":   {instance(t, "Rug", 0.7, [4]float64{5, 5, 15, 15})},
		},
		errs: map[string]error{
			"Lamp": &types.DetectionServiceError{Label: "Lamp", StatusCode: 502, Body: "bad gateway"},
		},
	}

	report, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(det.calls()) != 3 {
		t.Errorf("Expected all 3 candidates to be attempted, got %v", det.calls())
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %+v", report.Failures)
	}
	f := report.Failures[0]
	if f.Stage != types.StageDetection || f.Candidate != "Lamp" || f.Index != 0 {
		t.Errorf("Unexpected failure %+v", f)
	}
	if !report.Crops[0].Failed || len(report.Crops[0].Crops) != 0 {
		t.Errorf("Lamp should be failed with no crops: %+v", report.Crops[0])
	}
	if len(report.CropsFor(1)) != 1 || len(report.CropsFor(2)) != 1 {
		t.Errorf("Chair and Rug should each have one crop")
	}
}

func TestRunMissingCredential(t *testing.T) {
	analysis := &types.SceneAnalysis{Objects: objects("Lamp"), Room: "Den", TotalEstimatedValueUSD: 10}

	tests := []struct {
		name            string
		sceneMissing    bool
		detectorMissing bool
	}{
		{"scene", true, false},
		{"detector", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScene{analysis: analysis, missing: tt.sceneMissing}
			det := &fakeDetector{missing: tt.detectorMissing}

			_, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
			if !errors.Is(err, types.ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			if sc.calls != 0 || len(det.calls()) != 0 {
				t.Errorf("Expected zero calls, got scene=%d detector=%d", sc.calls, len(det.calls()))
			}
		})
	}
}

func TestRunConfigurationErrorDuringDetectionIsFatal(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Lamp", "Chair"), Room: "Den", TotalEstimatedValueUSD: 30}}
	det := &fakeDetector{errs: map[string]error{
		"Lamp": &types.ConfigurationError{Component: "object detection", Setting: "API key"},
	}}

	report, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if report != nil {
		t.Error("Expected no report")
	}
	if n := len(det.calls()); n != 1 {
		t.Errorf("Expected the run to stop after the first call, got %d calls", n)
	}
}

func TestRunSceneFailureIsFatal(t *testing.T) {
	sc := &fakeScene{err: &types.AnalysisParseError{Raw: "nope", Err: errors.New("not json")}}
	det := &fakeDetector{}

	_, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
	if !errors.Is(err, types.ErrAnalysisParse) {
		t.Fatalf("Expected analysis parse error, got %v", err)
	}
	if len(det.calls()) != 0 {
		t.Error("No detection should run after a scene failure")
	}
}

func TestRunOutOfBoundsInstance(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Chair"), Room: "Den", TotalEstimatedValueUSD: 10}}
	det := &fakeDetector{results: map[string][]types.DetectionInstance{
		"Chair": {
			instance(t, "Chair", 0.9, [4]float64{80, 80, 140, 140}),
			instance(t, "Chair", 0.8, [4]float64{0, 0, 20, 20}),
		},
	}}

	report, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(100, 100))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	crops := report.CropsFor(0)
	if len(crops) != 1 || crops[0].OutputID != "Chair_2" {
		t.Fatalf("Expected only Chair_2 to be cropped, got %+v", crops)
	}
	if len(report.Failures) != 1 || report.Failures[0].Stage != types.StageCrop || report.Failures[0].Instance != 1 {
		t.Errorf("Expected one crop failure for instance 1, got %+v", report.Failures)
	}

	report, err = New(sc, det, nil, Options{ClampToBounds: true}).Run(context.Background(), testSource(100, 100))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	crops = report.CropsFor(0)
	if len(crops) != 2 {
		t.Fatalf("Expected both crops with clamping, got %d", len(crops))
	}
	if w, h := decodedSize(t, crops[0].Image); w != 20 || h != 20 {
		t.Errorf("Expected clamped crop 20x20, got %dx%d", w, h)
	}
}

func TestRunInstancePastTopLeftEdge(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Rug"), Room: "Hall", TotalEstimatedValueUSD: 10}}
	det := &fakeDetector{results: map[string][]types.DetectionInstance{
		"Rug": {instance(t, "Rug", 0.6, [4]float64{-3, 2, 15, 18})},
	}}

	report, err := New(sc, det, nil, Options{}).Run(context.Background(), testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.CropsFor(0)) != 0 {
		t.Errorf("Expected no crop without clamping, got %+v", report.CropsFor(0))
	}
	if len(report.Failures) != 1 || report.Failures[0].Stage != types.StageCrop || report.Failures[0].Instance != 1 {
		t.Fatalf("Expected one crop failure for instance 1, got %+v", report.Failures)
	}
	if !strings.Contains(report.Failures[0].Err, types.ErrOutOfBounds.Error()) {
		t.Errorf("Expected out of bounds failure, got %q", report.Failures[0].Err)
	}

	report, err = New(sc, det, nil, Options{ClampToBounds: true}).Run(context.Background(), testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	crops := report.CropsFor(0)
	if len(crops) != 1 || len(report.Failures) != 0 {
		t.Fatalf("Expected one clamped crop, got %+v failures %+v", crops, report.Failures)
	}
	if w, h := decodedSize(t, crops[0].Image); w != 15 || h != 16 {
		t.Errorf("Expected clamped crop 15x16, got %dx%d", w, h)
	}
}

func TestRunTotalMismatch(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{
		Objects:                []types.CandidateObject{{Name: "Desk", EstimatedCostUSD: 200}, {Name: "Lamp", EstimatedCostUSD: 35.5}},
		Room:                   "Office",
		TotalEstimatedValueUSD: 300,
	}}

	report, err := New(sc, &fakeDetector{}, nil, Options{}).Run(context.Background(), testSource(10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalEstimatedValueUSD != 235.5 || report.DeclaredTotalUSD != 300 || !report.TotalMismatch {
		t.Errorf("Unexpected totals: recomputed %f declared %f mismatch %v", report.TotalEstimatedValueUSD, report.DeclaredTotalUSD, report.TotalMismatch)
	}
}

func TestRunCancellationReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("a", "b", "c"), Room: "Den", TotalEstimatedValueUSD: 60}}
	det := &fakeDetector{
		results:  map[string][]types.DetectionInstance{"a": {instance(t, "a", 0.9, [4]float64{0, 0, 5, 5})}},
		onDetect: func(string) { cancel() },
	}

	report, err := New(sc, det, nil, Options{}).Run(ctx, testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Partial {
		t.Error("Expected partial report")
	}
	if n := len(det.calls()); n != 1 {
		t.Errorf("Expected no detection calls after cancellation, got %d", n)
	}
	if len(report.CropsFor(0)) != 1 {
		t.Errorf("Completed candidate should keep its crop")
	}
	if len(report.Crops) != 3 {
		t.Fatalf("Expected all selected candidates in report, got %d", len(report.Crops))
	}
	cancelled := 0
	for _, f := range report.Failures {
		if f.Stage == types.StageCancelled {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("Expected 2 cancelled candidates, got %+v", report.Failures)
	}
}

func TestRunConcurrentKeepsOrder(t *testing.T) {
	const workers = 3
	arrived := make(chan struct{}, 8)
	release := make(chan struct{})

	var mu sync.Mutex
	active, maxActive := 0, 0

	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("a", "b", "c", "d", "e", "f"), Room: "Den", TotalEstimatedValueUSD: 210}}
	det := &fakeDetector{}
	det.onDetect = func(label string) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		arrived <- struct{}{}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}

		mu.Lock()
		active--
		mu.Unlock()
	}

	go func() {
		for i := 0; i < workers; i++ {
			<-arrived
		}
		close(release)
	}()

	report, err := New(sc, det, nil, Options{MaxCandidates: -1, Concurrency: workers}).Run(context.Background(), testSource(20, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if maxActive != workers {
		t.Errorf("Expected %d concurrent detections, got %d", workers, maxActive)
	}
	for i, c := range report.Crops {
		if c.Index != i || c.Candidate.Name != report.Candidates[i].Name {
			t.Errorf("Report entry %d out of order: %+v", i, c)
		}
	}
}

func TestRunEvents(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Lamp", "Chair"), Room: "Den", TotalEstimatedValueUSD: 30}}
	det := &fakeDetector{errs: map[string]error{"Chair": errors.New("timeout")}}

	var events []Event
	o := New(sc, det, nil, Options{OnEvent: func(e Event) { events = append(events, e) }})
	if _, err := o.Run(context.Background(), testSource(10, 10)); err != nil {
		t.Fatal(err)
	}

	want := []string{EventSceneDone, EventCandidateStart, EventCandidateDone, EventCandidateStart, EventCandidateFailed, EventRunDone}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %+v", len(want), events)
	}
	for i, w := range want {
		if events[i].Type != w {
			t.Errorf("Event %d: expected %s, got %s", i, w, events[i].Type)
		}
	}
	if events[0].Count != 2 || events[0].Room != "Den" {
		t.Errorf("Unexpected scene event %+v", events[0])
	}
}

func TestRunEncodesSourceWithoutData(t *testing.T) {
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Lamp"), Room: "Den", TotalEstimatedValueUSD: 10}}
	det := &fakeDetector{}

	src := testSource(30, 30)
	src.Data = nil
	if _, err := New(sc, det, nil, Options{}).Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(det.lastData)); err != nil {
		t.Errorf("Detector should receive an encoded image: %v", err)
	}
}

func TestRunColorTags(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			c := color.RGBA{210, 30, 30, 255}
			if x >= 20 {
				c = color.RGBA{25, 115, 210, 255}
			}
			img.Set(x, y, c)
		}
	}
	sc := &fakeScene{analysis: &types.SceneAnalysis{Objects: objects("Cushion"), Room: "Den", TotalEstimatedValueUSD: 10}}
	det := &fakeDetector{results: map[string][]types.DetectionInstance{
		"Cushion": {
			instance(t, "Cushion", 0.9, [4]float64{0, 0, 20, 20}),
			instance(t, "Cushion", 0.9, [4]float64{20, 0, 40, 20}),
		},
	}}

	report, err := New(sc, det, cropper.NewWithConfig(cropper.Config{Format: "png"}), Options{ColorTags: true}).
		Run(context.Background(), &processing.Source{Data: []byte("x"), Image: img})
	if err != nil {
		t.Fatal(err)
	}
	crops := report.CropsFor(0)
	if len(crops) != 2 || crops[0].ColorTag != "red" || crops[1].ColorTag != "blue" {
		t.Errorf("Unexpected colour tags %+v", crops)
	}
	if crops[0].Format != "png" {
		t.Errorf("Expected png crops, got %s", crops[0].Format)
	}
}

func TestRunNilSource(t *testing.T) {
	if _, err := New(&fakeScene{}, &fakeDetector{}, nil, Options{}).Run(context.Background(), nil); err == nil {
		t.Error("Expected error for nil source")
	}
}

func TestOutputID(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want string
	}{
		{"Lamp", 1, "Lamp_1"},
		{"black pot", 2, "black_pot_2"},
		{"  coffee \t table ", 1, "coffee_table_1"},
	}
	for _, tt := range tests {
		if got := OutputID(tt.name, tt.n); got != tt.want {
			t.Errorf("OutputID(%q, %d) = %q, want %q", tt.name, tt.n, got, tt.want)
		}
	}
}
