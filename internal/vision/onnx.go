package vision

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/linesight/inspectd/internal/monitoring"
)

// ONNXConfig configures an ONNXDetector.
type ONNXConfig struct {
	// ModelPath is the .onnx model file.
	ModelPath string

	// LibraryPath overrides the onnxruntime shared library location.
	// Empty selects a platform default under third_party/.
	LibraryPath string

	// Classes maps class index to name. Empty defaults to the single
	// defect class.
	Classes []string

	// ConfThreshold and NMSThreshold override the detection thresholds
	// when positive.
	ConfThreshold float64
	NMSThreshold  float64
}

var ortInit sync.Once

// ONNXDetector runs the inspection model through onnxruntime. The input and
// output tensors are allocated once and reused, so Detect serializes runs
// with a mutex.
type ONNXDetector struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	classes []string
	conf    float64
	nms     float64
}

// NewONNXDetector initializes the onnxruntime environment (once per
// process) and creates a session with preallocated input and output
// tensors for the model's fixed shapes.
func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	classes := cfg.Classes
	if len(classes) == 0 {
		classes = []string{NGClassName}
	}
	conf := cfg.ConfThreshold
	if conf <= 0 {
		conf = DefaultConfThreshold
	}
	nms := cfg.NMSThreshold
	if nms <= 0 {
		nms = DefaultNMSThreshold
	}

	var initErr error
	ortInit.Do(func() {
		lib := cfg.LibraryPath
		if lib == "" {
			lib = defaultSharedLibPath()
		}
		ort.SetSharedLibraryPath(lib)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("%w: onnxruntime init: %v", ErrModelLoad, initErr)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, InputSize, InputSize), make([]float32, 3*InputSize*InputSize))
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %v", ErrModelLoad, err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(classes)), NumAnchors))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: output tensor: %v", ErrModelLoad, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: session options: %v", ErrModelLoad, err)
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, cfg.ModelPath, err)
	}

	d := &ONNXDetector{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		classes: classes,
		conf:    conf,
		nms:     nms,
	}

	// Warm up so the first real capture doesn't pay session load cost.
	if err := d.session.Run(); err != nil {
		monitoring.Logf("vision: model warmup failed: %v", err)
	}
	return d, nil
}

// Detect letterboxes the image, runs the model, and returns suppressed
// detections in original-image coordinates.
func (d *ONNXDetector) Detect(img image.Image) ([]Detection, error) {
	t := Preprocess(img)

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.input.GetData(), t.Data)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	dets, err := Decode(d.output.GetData(), NumAnchors, d.classes, t, d.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return Suppress(dets, d.nms), nil
}

// Close releases the session and tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return nil
}

// defaultSharedLibPath picks the bundled onnxruntime library for the
// current platform.
func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}
