package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestTransform_IgnoresSourceLayout(t *testing.T) {
	a, err := Transform([]byte(`{ "b": 2,
		"a": [1, 2.50, "x"] }`))
	require.NoError(t, err)
	b, err := Transform([]byte(`{"a":[1,2.5,"x"],"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestTransform_RejectsInvalidJSON(t *testing.T) {
	_, err := Transform([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, DigestHexLen)
}

func TestJCS_NumberTypes(t *testing.T) {
	b, err := JCS(map[string]interface{}{"num": json.Number("123.456")})
	require.NoError(t, err)
	assert.Equal(t, `{"num":123.456}`, string(b))
}

func TestZeroDigest(t *testing.T) {
	assert.Len(t, ZeroDigest, 64)
	assert.Equal(t, "", strings.Trim(ZeroDigest, "0"))
}
