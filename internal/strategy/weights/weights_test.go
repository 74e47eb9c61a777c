package weights

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCategoryNames(t *testing.T) {
	for _, c := range Categories() {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseCategory("sentiment")
	assert.Error(t, err)
	assert.Equal(t, "category(9)", Category(9).String())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Equal().Validate())

	tests := []struct {
		name string
		v    Vector
	}{
		{"negative", Vector{0.5, 0.5, 0.2, -0.2, 0}},
		{"sum too high", Vector{0.3, 0.3, 0.3, 0.3, 0}},
		{"nan", Vector{math.NaN(), 0.25, 0.25, 0.25, 0.25}},
		{"zero", Vector{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.v.Validate())
		})
	}
}

func TestNormalize(t *testing.T) {
	v, err := Vector{0.35, 0.20, 0.26, 0.21, 0.20}.Normalize()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Sum(), SumTolerance)
	assert.NoError(t, v.Validate())
	assert.InDelta(t, 0.35/1.22, v.Get(TrendMomentum), 1e-12)

	_, err = Vector{}.Normalize()
	assert.Error(t, err)

	_, err = Vector{1, -1, 1, 0, 0}.Normalize()
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	v := Vector{0.3, 0.15, 0.22, 0.18, 0.15}

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"market_context":0.18`)

	var decoded Vector
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, v, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"momentum":1}`), &decoded))
}

func TestYAMLDecode(t *testing.T) {
	var doc struct {
		Weights Vector `yaml:"weights"`
	}
	input := `
weights:
  trend_momentum: 0.35
  volume: 0.15
  fundamental: 0.2
  market_context: 0.15
  advanced: 0.15
`
	require.NoError(t, yaml.Unmarshal([]byte(input), &doc))
	assert.InDelta(t, 0.35, doc.Weights.Get(TrendMomentum), 1e-12)
	assert.NoError(t, doc.Weights.Validate())

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "trend_momentum: 0.35")
}

func TestKeyDistinguishesVectors(t *testing.T) {
	a := Vector{0.2, 0.2, 0.2, 0.2, 0.2}
	b := Vector{0.2, 0.2, 0.2, 0.3, 0.1}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), Equal().Key())
}
