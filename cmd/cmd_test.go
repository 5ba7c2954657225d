package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/usecase"
)

type stubEncoder struct {
	subject string
	err     error
}

func (s *stubEncoder) Encode(ctx context.Context, subject string, image []byte) (*usecase.EncodeResult, error) {
	s.subject = subject
	if s.err != nil {
		return nil, s.err
	}
	return &usecase.EncodeResult{
		ID:        7,
		Embedding: face.Embedding{0.5, 0.25},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Warnings:  []face.Warning{face.WarnDarkLighting},
	}, nil
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, "face.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func TestStoredEmbedding(t *testing.T) {
	got, err := storedEmbedding("[0.1, 0.2]")
	if err != nil || got != "[0.1, 0.2]" {
		t.Fatalf("inline value: got %q, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "stored.json")
	if err := os.WriteFile(path, []byte("[1,2,3]\n"), 0o600); err != nil {
		t.Fatalf("write stored: %v", err)
	}
	got, err = storedEmbedding("@" + path)
	if err != nil || got != "[1,2,3]" {
		t.Fatalf("file value: got %q, %v", got, err)
	}

	if _, err := storedEmbedding("@" + filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadImageFile(t *testing.T) {
	dir := t.TempDir()

	data, err := readImageFile(writePNG(t, dir))
	if err != nil {
		t.Fatalf("expected png to be accepted: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected image bytes")
	}

	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("not an image at all"), 0o600); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if _, err := readImageFile(text); !errors.Is(err, face.ErrUnsupportedMediaType) {
		t.Fatalf("expected UnsupportedMediaType, got %v", err)
	}
}

func TestEncodeFile(t *testing.T) {
	logger = zap.NewNop()
	encodeOpts.Subject = "alice"
	t.Cleanup(func() { encodeOpts.Subject = "" })

	path := writePNG(t, t.TempDir())

	enc := &stubEncoder{}
	line := encodeFile(context.Background(), enc, path)
	if line.Error != "" {
		t.Fatalf("unexpected error: %s", line.Error)
	}
	if enc.subject != "alice" {
		t.Fatalf("expected subject to be forwarded, got %q", enc.subject)
	}
	if line.ID != 7 || line.CreatedAt == nil || len(line.Embedding) != 2 {
		t.Fatalf("unexpected line: %+v", line)
	}

	failing := &stubEncoder{err: face.ErrTooDark}
	line = encodeFile(context.Background(), failing, path)
	if line.Code != string(face.KindTooDark) {
		t.Fatalf("expected code %s, got %+v", face.KindTooDark, line)
	}
}

func TestWriteLines(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	lines := []encodeLine{
		{File: "a.png", ID: 1, Embedding: face.Embedding{0.5}, CreatedAt: &created},
		{File: "b.png", Error: "image too dark", Code: "TooDark"},
	}

	var buf bytes.Buffer
	failed, err := writeLines(&buf, lines, false)
	if err != nil {
		t.Fatalf("write lines: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failure, got %d", failed)
	}

	out := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(out) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(out), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(out[0]), &first); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if _, ok := first["embedding"]; ok {
		t.Fatal("embedding should be omitted without --with-embedding")
	}
	if first["file"] != "a.png" || first["id"] != float64(1) {
		t.Fatalf("unexpected first line: %v", first)
	}

	buf.Reset()
	if _, err := writeLines(&buf, lines[:1], true); err != nil {
		t.Fatalf("write lines: %v", err)
	}
	if !strings.Contains(buf.String(), `"embedding":[0.5]`) {
		t.Fatalf("expected embedding in output, got %s", buf.String())
	}
}

func TestWatchReadiness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchReadiness(ctx, nil, func() bool { return false })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchReadiness did not stop on cancel")
	}
}
