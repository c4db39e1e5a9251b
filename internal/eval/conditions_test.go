package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lakestack/internal/ir"
)

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{"env": "prod", "nodes": 3, "spot": true}

	tests := []struct {
		condition string
		want      bool
		wantErr   string
	}{
		{"", true, ""},
		{"vars.spot", true, ""},
		{`vars.env == "prod" && vars.nodes > 2`, true, ""},
		{`vars.env != "prod"`, false, ""},
		{"vars.nodes + 1", false, "bool"},
		{"vars.env ==", false, "failed to compile"},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, vars)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterDeclarations(t *testing.T) {
	decls := []*ir.Declaration{
		{ID: "always", Kind: "test:Thing"},
		{ID: "spot", Kind: "test:Thing", When: "vars.spot"},
		{ID: "studio", Kind: "test:Thing", When: "!vars.spot"},
	}
	out, err := FilterDeclarations(decls, map[string]any{"spot": true})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "always", out[0].ID)
	assert.Equal(t, "spot", out[1].ID)

	_, err = FilterDeclarations([]*ir.Declaration{{ID: "x", When: "vars.spot +"}}, nil)
	assert.ErrorContains(t, err, "resource x")
}
