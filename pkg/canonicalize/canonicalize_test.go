package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"u": "https://a.example.gov/x?y=1&z=2"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "&z=2")
	assert.NotContains(t, string(out), `&`)
}

func TestHashDeterministicAcrossFieldOrder(t *testing.T) {
	type a struct {
		X string `json:"x"`
		Y int    `json:"y"`
	}
	type b struct {
		Y int    `json:"y"`
		X string `json:"x"`
	}

	ha, err := Hash(a{X: "v", Y: 3})
	require.NoError(t, err)
	hb, err := Hash(b{Y: 3, X: "v"})
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashChangesWithContent(t *testing.T) {
	h1, err := Hash(map[string]string{"k": "v1"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"k": "v2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
