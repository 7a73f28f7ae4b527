package loaders

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"dispatchd/internal/worker"
)

const defaultEmbeddingDim = 384

// EmbeddingLoader produces deterministic feature-hashed embeddings. It is a
// stand-in with the same request/response contract as a transformer-backed
// embedding worker: texts in, vectors out, optional dimension truncation,
// normalization and base64 encoding.
type EmbeddingLoader struct {
	Model     string
	Dimension int
}

// NewEmbedding builds an embedding loader pinned to model.
func NewEmbedding(model string) worker.Loader {
	return &EmbeddingLoader{Model: model, Dimension: defaultEmbeddingDim}
}

func (l *EmbeddingLoader) InitModel() error {
	if l.Dimension <= 0 {
		l.Dimension = defaultEmbeddingDim
	}
	return nil
}

// Transform handles payloads of the form:
//
//	{"texts": [...], "encoding_format": "float"|"base64",
//	 "dimension": n, "normalize_embeddings": bool}
//
// and returns {"embeddings", "model", "encoding_format", "dimensions"}.
func (l *EmbeddingLoader) Transform(data map[string]any) (map[string]any, error) {
	texts, err := stringSlice(data["texts"])
	if err != nil {
		return nil, fmt.Errorf("texts: %w", err)
	}
	if len(texts) == 0 {
		return nil, errors.New("'texts' must be provided and non-empty")
	}
	format, _ := data["encoding_format"].(string)
	if format == "" {
		format = "float"
	}
	if format != "float" && format != "base64" {
		return nil, fmt.Errorf("unsupported encoding_format: %q", format)
	}
	dim := intValue(data["dimension"], l.Dimension)
	if dim <= 0 || dim > 4096 {
		return nil, fmt.Errorf("dimension out of range: %d", dim)
	}
	normalize := boolValue(data["normalize_embeddings"], true)

	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = l.embed(text, dim, normalize)
	}

	var embeddings any
	if format == "base64" {
		encoded := make([]string, len(vectors))
		for i, v := range vectors {
			encoded[i] = encodeBase64(v)
		}
		embeddings = encoded
	} else {
		embeddings = vectors
	}

	return map[string]any{
		"embeddings":      embeddings,
		"model":           l.Model,
		"encoding_format": format,
		"dimensions":      dim,
	}, nil
}

// embed builds one feature-hashed vector: each token increments the bucket
// its hash lands in, with a sign bit taken from the hash so vectors do not
// collapse toward all-positive.
func (l *EmbeddingLoader) embed(text string, dim int, normalize bool) []float64 {
	vec := make([]float64, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}
	if normalize {
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for i := range vec {
				vec[i] /= norm
			}
		}
	}
	return vec
}

// encodeBase64 packs the vector as little-endian float32 bytes, matching the
// layout other implementations of this protocol emit.
func encodeBase64(vec []float64) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
