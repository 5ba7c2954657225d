package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/faceverify/internal/usecase"
)

var compareOpts struct {
	Stored    string
	Threshold float64
}

var compareCmd = &cobra.Command{
	Use:   "compare <image>",
	Short: "Compare an image against a serialized embedding",
	Long: `Extracts an embedding from the image and compares it with --stored,
a JSON array of numbers or @path to a file holding one. No database is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stored, err := storedEmbedding(compareOpts.Stored)
		if err != nil {
			return err
		}

		data, err := readImageFile(args[0])
		if err != nil {
			return err
		}

		var threshold *float64
		if cmd.Flags().Changed("threshold") {
			threshold = &compareOpts.Threshold
		}

		extractor := newExtractor()
		defer extractor.Close() //nolint:errcheck

		uc := newFaceUseCase(nil, usecase.NewMemoryCache(cfg.Cache.TTL), extractor)
		result, err := uc.Compare(cmd.Context(), usecase.CompareRequest{
			Image:           data,
			StoredEmbedding: stored,
			Threshold:       threshold,
		})
		if err != nil {
			return err
		}

		return json.NewEncoder(os.Stdout).Encode(result)
	},
}

func init() {
	compareCmd.Flags().StringVar(&compareOpts.Stored, "stored", "", "stored embedding as a JSON array, or @file")
	compareCmd.Flags().Float64Var(&compareOpts.Threshold, "threshold", 0, "match threshold in [-1, 1] (default from config)")
	rootCmd.AddCommand(compareCmd)
}

// storedEmbedding resolves the --stored value. A leading @ names a file.
func storedEmbedding(value string) (string, error) {
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(value, "@"))
	if err != nil {
		return "", fmt.Errorf("read stored embedding: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
