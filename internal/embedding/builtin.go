package embedding

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/thebtf/concord/pkg/similarity"
)

const (
	BuiltinModelVersion = "builtin-hash-v1"
	BuiltinModelName    = "Feature hashing (offline)"
	// BuiltinDimensions is the vector size of the offline model.
	BuiltinDimensions = 384
)

const (
	wordWeight    = 1.0
	bigramWeight  = 0.5
	trigramWeight = 0.25
)

// hashingModel embeds text by hashing words, word bigrams and character
// trigrams into a fixed number of signed buckets. It needs no network and is
// deterministic, so it serves offline runs and tests.
type hashingModel struct {
	dims int
}

var _ EmbeddingModel = (*hashingModel)(nil)

func init() {
	RegisterModel(ModelMetadata{
		Name:        BuiltinModelName,
		Version:     BuiltinModelVersion,
		Dimensions:  BuiltinDimensions,
		Description: "Deterministic offline model based on signed feature hashing",
		Default:     true,
	}, newHashingModel)
}

func newHashingModel(opts Options) (EmbeddingModel, error) {
	dims := opts.Dimensions
	if dims <= 0 {
		dims = BuiltinDimensions
	}
	return &hashingModel{dims: dims}, nil
}

// NewHashingModel returns the offline model with the given vector size.
func NewHashingModel(dims int) EmbeddingModel {
	m, _ := newHashingModel(Options{Dimensions: dims})
	return m
}

func (m *hashingModel) Name() string    { return BuiltinModelName }
func (m *hashingModel) Version() string { return BuiltinModelVersion }
func (m *hashingModel) Dimensions() int { return m.dims }
func (m *hashingModel) Close() error    { return nil }

func (m *hashingModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, m.dims)

	var words []string
	for _, w := range similarity.Tokenize(strings.ToLower(text)) {
		if utf8.RuneCountInString(w) < 2 || similarity.IsStopWord(w) {
			continue
		}
		words = append(words, w)
	}

	for i, w := range words {
		m.add(vec, "w:"+w, wordWeight)
		if i > 0 {
			m.add(vec, "b:"+words[i-1]+" "+w, bigramWeight)
		}
		runes := []rune("^" + w + "$")
		for j := 0; j+3 <= len(runes); j++ {
			m.add(vec, "t:"+string(runes[j:j+3]), trigramWeight)
		}
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	out := make([]float32, m.dims)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, x := range vec {
		out[i] = float32(x / norm)
	}
	return out, nil
}

func (m *hashingModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *hashingModel) add(vec []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(m.dims))
	if h>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
