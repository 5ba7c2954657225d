package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/usecase"
)

var encodeOpts struct {
	Subject       string
	WithEmbedding bool
}

var encodeCmd = &cobra.Command{
	Use:   "encode <image>...",
	Short: "Extract and store embeddings for one or more images",
	Long: `Runs every image through the pipeline and stores the embedding.
One JSON line per image is written to stdout, in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repo, closeRepo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer closeRepo()

		cache, closeCache, err := newCache(ctx)
		if err != nil {
			return err
		}
		defer closeCache()

		extractor := newExtractor()
		defer extractor.Close() //nolint:errcheck
		if err := extractor.Warmup(); err != nil {
			return fmt.Errorf("load model: %w", err)
		}

		uc := newFaceUseCase(repo, cache, extractor)

		var bar *progressbar.ProgressBar
		if len(args) > 1 {
			bar = progressbar.NewOptions(len(args),
				progressbar.OptionSetDescription("Encoding"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}

		lines := make([]encodeLine, len(args))
		var barMu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Pipeline.Workers)
		for i, path := range args {
			i, path := i, path
			g.Go(func() error {
				lines[i] = encodeFile(gctx, uc, path)
				if bar != nil {
					barMu.Lock()
					_ = bar.Add(1)
					barMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
		}

		failed, err := writeLines(os.Stdout, lines, encodeOpts.WithEmbedding)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	encodeCmd.Flags().StringVar(&encodeOpts.Subject, "subject", "", "subject to store with each embedding")
	encodeCmd.Flags().BoolVar(&encodeOpts.WithEmbedding, "with-embedding", false, "include the embedding vector in the output")
	rootCmd.AddCommand(encodeCmd)
}

type encodeLine struct {
	File      string         `json:"file"`
	ID        uint           `json:"id,omitempty"`
	Embedding face.Embedding `json:"embedding,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Warnings  []face.Warning `json:"warnings,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

type encoder interface {
	Encode(ctx context.Context, subject string, image []byte) (*usecase.EncodeResult, error)
}

func encodeFile(ctx context.Context, uc encoder, path string) encodeLine {
	line := encodeLine{File: path}

	data, err := readImageFile(path)
	if err != nil {
		return line.fail(err)
	}

	result, err := uc.Encode(ctx, encodeOpts.Subject, data)
	if err != nil {
		logger.Debug("encode failed", zap.String("file", path), zap.Error(err))
		return line.fail(err)
	}

	line.ID = result.ID
	line.Embedding = result.Embedding
	line.CreatedAt = &result.CreatedAt
	line.Warnings = result.Warnings
	return line
}

func (l encodeLine) fail(err error) encodeLine {
	l.Error = err.Error()
	if kind, ok := face.KindOf(err); ok {
		l.Code = string(kind)
	}
	return l
}

// writeLines prints one JSON object per line and returns how many failed.
func writeLines(w io.Writer, lines []encodeLine, withEmbedding bool) (int, error) {
	enc := json.NewEncoder(w)
	failed := 0
	for _, line := range lines {
		if line.Error != "" {
			failed++
		}
		if !withEmbedding {
			line.Embedding = nil
		}
		if err := enc.Encode(line); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// readImageFile loads path and rejects anything that is not a JPEG or PNG
// before it reaches the pipeline.
func readImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !filetype.IsImage(data) {
		return nil, face.ErrUnsupportedMediaType
	}
	kind, _ := filetype.Match(data)
	switch kind.MIME.Value {
	case "image/jpeg", "image/png":
		return data, nil
	default:
		return nil, face.ErrUnsupportedMediaType
	}
}
