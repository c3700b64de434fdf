// SPDX-License-Identifier: MIT

package evidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndStripsWhitespace(t *testing.T) {
	b, err := Canonicalize(map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": 2, "a": 1},
		"mid":   []any{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"mid":["x","y"],"zeta":1}`, string(b))
}

func TestCanonicalizeNonFiniteNumbers(t *testing.T) {
	b, err := Canonicalize(map[string]any{
		"nan":     math.NaN(),
		"posinf":  math.Inf(1),
		"neginf":  math.Inf(-1),
		"regular": 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"nan":null,"neginf":null,"posinf":null,"regular":1.5}`, string(b))
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	doc := map[string]any{"b": []any{1, 2, 3}, "a": "text", "c": true}
	first, err := Canonicalize(doc)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Canonicalize(doc)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestCanonicalizeStructRoundTrip(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	b, err := Canonicalize(inner{B: 2, A: "one"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"one","b":2}`, string(b))
}

func TestCanonicalizePreservesLargeIntegers(t *testing.T) {
	// Epoch-ms timestamps must not decay into scientific notation.
	b, err := Canonicalize(map[string]any{"at": int64(1736899200000)})
	require.NoError(t, err)
	assert.Equal(t, `{"at":1736899200000}`, string(b))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
	assert.Len(t, SHA256Hex([]byte("abc")), 64)
}
