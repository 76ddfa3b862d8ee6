package analysis

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the embedding width used by the pattern index.
const DefaultDimension = 128

const (
	wordWeight    = 1.0
	trigramWeight = 0.5
)

// Embedder produces model-free hashed bag-of-words embeddings. Each word and
// each character trigram of a word is hashed into one of Dimension buckets;
// trigrams count half as much as words. Output is L2-normalized and the empty
// text maps to the zero vector.
//
// Embedder is stateless and safe for concurrent use.
type Embedder struct {
	dim int
}

// NewEmbedder creates an embedder. Non-positive dimensions use DefaultDimension.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Embedder{dim: dim}
}

// Dimension returns the vector width.
func (e *Embedder) Dimension() int { return e.dim }

// Embed returns the embedding of text.
func (e *Embedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range Tokenize(text) {
		vec[e.bucket("w:", tok)] += wordWeight

		padded := []rune(" " + tok + " ")
		for i := 0; i+3 <= len(padded); i++ {
			vec[e.bucket("t:", string(padded[i:i+3]))] += trigramWeight
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func (e *Embedder) bucket(prefix, s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(e.dim))
}

// EmbedQuery embeds a single query.
func (e *Embedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.Embed(text), nil
}

// EmbedDocuments embeds each text.
func (e *Embedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.Embed(t)
	}
	return out, nil
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
