package face

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strings"
)

// EmbeddingSize is the descriptor length of the reference model.
const EmbeddingSize = 512

// Embedding is a face descriptor.
type Embedding []float32

// Float64s returns a float64 copy of the embedding.
func (e Embedding) Float64s() []float64 {
	out := make([]float64, len(e))
	for i, v := range e {
		out[i] = float64(v)
	}
	return out
}

// String returns the JSON array form of the embedding.
func (e Embedding) String() string {
	b, err := json.Marshal([]float32(e))
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ParseEmbedding decodes a stored embedding from its JSON array form.
func ParseEmbedding(s string) (Embedding, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil, ErrInvalidEmbeddingFormat
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, ErrInvalidEmbeddingFormat
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrInvalidEmbeddingFormat
	}

	e := make(Embedding, len(raw))
	for i, item := range raw {
		n, ok := item.(json.Number)
		if !ok {
			return nil, ErrInvalidEmbeddingFormat
		}
		v, err := n.Float64()
		if err != nil || math.IsInf(v, 0) || v > math.MaxFloat32 || v < -math.MaxFloat32 {
			return nil, ErrInvalidEmbeddingFormat
		}
		e[i] = float32(v)
	}

	return e, nil
}
