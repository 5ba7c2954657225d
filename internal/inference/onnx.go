package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/faceverify/internal/face"
)

var envMu sync.Mutex

// ONNXEngine loads ONNX models through the onnxruntime shared library.
type ONNXEngine struct {
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath string
	// InputName selects the model input; empty uses the first declared input.
	InputName string
	// IntraOpThreads limits per-session parallelism; zero keeps the runtime default.
	IntraOpThreads int
}

// Load implements Engine.
func (e ONNXEngine) Load(path string) (Session, error) {
	if err := e.initEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	inputName := e.InputName
	if inputName == "" {
		inputName = inputs[0].Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy() //nolint:errcheck

	if e.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(e.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{inputName}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxSession{session: session}, nil
}

func (e ONNXEngine) initEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if e.LibraryPath != "" {
		ort.SetSharedLibraryPath(e.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

type onnxSession struct {
	session *ort.DynamicAdvancedSession
}

func (s *onnxSession) Run(ctx context.Context, input face.Tensor) (face.Embedding, error) {
	shape := input.Shape()
	in, err := ort.NewTensor(ort.NewShape(shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy() //nolint:errcheck

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy() //nolint:errcheck

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("model output is not a float32 tensor")
	}

	data := out.GetData()
	embedding := make(face.Embedding, len(data))
	copy(embedding, data)

	return embedding, nil
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}
