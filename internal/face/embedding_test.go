package face

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmbedding(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		e, err := ParseEmbedding(" [0.5, -1, 2.5e-1, 0] ")
		require.NoError(t, err)
		assert.Equal(t, Embedding{0.5, -1, 0.25, 0}, e)
	})

	t.Run("Empty", func(t *testing.T) {
		e, err := ParseEmbedding("[]")
		require.NoError(t, err)
		assert.Empty(t, e)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		in := randomEmbedding(3)
		out, err := ParseEmbedding(in.String())
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	invalid := []string{
		"",
		"not json",
		"{\"a\": 1}",
		"42",
		"null",
		"[1, \"2\"]",
		"[1, null]",
		"[1, [2]]",
		"[1, 2",
		"[1] [2]",
		"[1e400]",
		"[1,2]]",
		"[1,2] }",
		"[1,2],",
	}
	for _, s := range invalid {
		_, err := ParseEmbedding(s)
		assert.ErrorIs(t, err, ErrInvalidEmbeddingFormat, s)
		assert.False(t, IsInternal(err))
	}
}
