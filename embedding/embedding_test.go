package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// HashEmbedder
// ---------------------------------------------------------------------------

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "I run every morning")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "I run every morning")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, e.Dimensions())
}

func TestHashEmbedderDistinguishesTexts(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "I love swimming")
	b, _ := e.Embed(ctx, "I hate swimming")

	assert.NotEqual(t, a, b)
	assert.Less(t, Cosine(a, b), 1.0)
}

func TestHashEmbedderOutputIsUnitLength(t *testing.T) {
	e := NewHashEmbedder(32)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestHashEmbedderDefaultDimensions(t *testing.T) {
	assert.Equal(t, 64, NewHashEmbedder(0).Dimensions())
	assert.Equal(t, 64, NewHashEmbedder(-3).Dimensions())
}

// ---------------------------------------------------------------------------
// 向量运算
// ---------------------------------------------------------------------------

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// 退化输入
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestNormalize(t *testing.T) {
	out := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(out[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(out[1]), 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestProperty_CosineBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(rt, "n")
		a := make([]float32, n)
		b := make([]float32, n)
		for i := 0; i < n; i++ {
			a[i] = float32(rapid.Float64Range(-100, 100).Draw(rt, "a"))
			b[i] = float32(rapid.Float64Range(-100, 100).Draw(rt, "b"))
		}

		c := Cosine(a, b)
		if math.IsNaN(c) || c < -1.0000001 || c > 1.0000001 {
			rt.Fatalf("cosine out of range: %v", c)
		}
		if Cosine(a, a) != 0 && math.Abs(Cosine(a, a)-1.0) > 1e-6 {
			rt.Fatalf("self-similarity must be 1, got %v", Cosine(a, a))
		}
	})
}

// ---------------------------------------------------------------------------
// 语义哈希
// ---------------------------------------------------------------------------

func TestSemanticHashStable(t *testing.T) {
	vec := []float32{0.11, -0.52, 0.33, 0.78, -0.04, 0.6, 0.2, -0.9, 0.5}
	assert.Equal(t, SemanticHash(vec), SemanticHash(vec))
	assert.Len(t, SemanticHash(vec), 16)
	assert.Equal(t, "", SemanticHash(nil))
}

func TestSemanticHashToleratesSmallPerturbation(t *testing.T) {
	base := []float32{0.11, -0.52, 0.33, 0.78, -0.04, 0.61, 0.22, -0.91}
	near := make([]float32, len(base))
	copy(near, base)
	near[0] += 0.004 // 量化粒度 0.1 以内

	assert.Equal(t, SemanticHash(base), SemanticHash(near))

	far := make([]float32, len(base))
	copy(far, base)
	far[0] += 0.5
	assert.NotEqual(t, SemanticHash(base), SemanticHash(far))
}

func TestContentHashNormalizes(t *testing.T) {
	assert.Equal(t,
		ContentHash("I Love  Running"),
		ContentHash("i love running"))
	assert.NotEqual(t, ContentHash("i love running"), ContentHash("i love cycling"))
}

func TestHashForFallsBackToContentHash(t *testing.T) {
	ctx := context.Background()

	hash, vec := HashFor(ctx, nil, "some fact")
	assert.Equal(t, ContentHash("some fact"), hash)
	assert.Nil(t, vec)

	e := NewHashEmbedder(16)
	hash, vec = HashFor(ctx, e, "some fact")
	assert.NotEmpty(t, hash)
	assert.Len(t, vec, 16)
	want, _ := e.Embed(ctx, "some fact")
	assert.Equal(t, SemanticHash(want), hash)
}
