package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/faceverify/internal/face"
)

type stubSession struct {
	out    face.Embedding
	err    error
	active *int32
	peak   *int32
	closed bool
	// during runs while inference is in flight.
	during func()
}

func (s *stubSession) Run(ctx context.Context, input face.Tensor) (face.Embedding, error) {
	if s.active != nil {
		n := atomic.AddInt32(s.active, 1)
		defer atomic.AddInt32(s.active, -1)
		for {
			p := atomic.LoadInt32(s.peak)
			if n <= p || atomic.CompareAndSwapInt32(s.peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.during != nil {
		s.during()
	}
	return s.out, s.err
}

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type stubEngine struct {
	loads   int32
	failFor int32
	delay   time.Duration
	session *stubSession
}

func (e *stubEngine) Load(path string) (Session, error) {
	n := atomic.AddInt32(&e.loads, 1)
	time.Sleep(e.delay)
	if n <= e.failFor {
		return nil, errors.New("corrupt model")
	}
	return e.session, nil
}

func modelFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))

	return path
}

func validTensor() face.Tensor {
	return face.Tensor{Data: make([]float32, face.TensorLen)}
}

func TestExtractor_LoadsOnce(t *testing.T) {
	engine := &stubEngine{delay: 20 * time.Millisecond, session: &stubSession{out: face.Embedding{1, 2, 3}}}
	x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)
	assert.False(t, x.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := x.Extract(context.Background(), validTensor())
			assert.NoError(t, err)
			assert.Equal(t, face.Embedding{1, 2, 3}, e)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.loads))
	assert.True(t, x.Loaded())
}

func TestExtractor_ModelNotFound(t *testing.T) {
	engine := &stubEngine{session: &stubSession{}}
	x := NewExtractor(engine, Options{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")}, nil)

	_, err := x.Extract(context.Background(), validTensor())
	assert.ErrorIs(t, err, face.ErrModelNotFound)
	assert.True(t, face.IsInternal(err))
	assert.Contains(t, err.Error(), "missing.onnx")
	assert.Zero(t, atomic.LoadInt32(&engine.loads))

	assert.ErrorIs(t, x.Warmup(), face.ErrModelNotFound)
}

func TestExtractor_LoadFailureNotCached(t *testing.T) {
	engine := &stubEngine{failFor: 1, session: &stubSession{out: face.Embedding{1}}}
	x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)

	err := x.Warmup()
	assert.ErrorIs(t, err, face.ErrModelLoadFailed)
	assert.False(t, x.Loaded())

	require.NoError(t, x.Warmup())
	assert.True(t, x.Loaded())
	assert.Equal(t, int32(2), atomic.LoadInt32(&engine.loads))
}

func TestExtractor_InferenceFailed(t *testing.T) {
	t.Run("SessionError", func(t *testing.T) {
		engine := &stubEngine{session: &stubSession{err: errors.New("bad shape")}}
		x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)

		_, err := x.Extract(context.Background(), validTensor())
		assert.ErrorIs(t, err, face.ErrInferenceFailed)
		assert.Contains(t, err.Error(), "bad shape")
	})

	t.Run("EmptyOutput", func(t *testing.T) {
		engine := &stubEngine{session: &stubSession{}}
		x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)

		_, err := x.Extract(context.Background(), validTensor())
		assert.ErrorIs(t, err, face.ErrInferenceFailed)
	})

	t.Run("CanceledDuringRun", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		engine := &stubEngine{session: &stubSession{err: errors.New("run aborted"), during: cancel}}
		x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)

		_, err := x.Extract(ctx, validTensor())
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, face.ErrInferenceFailed)
	})

	t.Run("WrongTensor", func(t *testing.T) {
		engine := &stubEngine{session: &stubSession{out: face.Embedding{1}}}
		x := NewExtractor(engine, Options{ModelPath: modelFile(t)}, nil)

		_, err := x.Extract(context.Background(), face.Tensor{Data: make([]float32, 10)})
		assert.ErrorIs(t, err, face.ErrInferenceFailed)
		assert.Zero(t, atomic.LoadInt32(&engine.loads))
	})
}

func TestExtractor_Serialize(t *testing.T) {
	var active, peak int32
	session := &stubSession{out: face.Embedding{1}, active: &active, peak: &peak}
	x := NewExtractor(&stubEngine{session: session}, Options{ModelPath: modelFile(t), Serialize: true}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := x.Extract(context.Background(), validTensor())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestExtractor_Close(t *testing.T) {
	session := &stubSession{out: face.Embedding{1}}
	x := NewExtractor(&stubEngine{session: session}, Options{ModelPath: modelFile(t)}, nil)

	require.NoError(t, x.Close())
	require.NoError(t, x.Warmup())
	require.NoError(t, x.Close())

	assert.True(t, session.closed)
	assert.False(t, x.Loaded())
}
