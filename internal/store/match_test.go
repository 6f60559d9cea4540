package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesContainment(t *testing.T) {
	metadata := map[string]interface{}{
		"owner": "alice",
		"tags":  []interface{}{"a", "b"},
		"nested": map[string]interface{}{
			"env":   "prod",
			"count": float64(3),
		},
	}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"nil filter allows all", nil, true},
		{"empty filter allows all", map[string]interface{}{}, true},
		{"scalar match", map[string]interface{}{"owner": "alice"}, true},
		{"scalar mismatch", map[string]interface{}{"owner": "bob"}, false},
		{"missing key", map[string]interface{}{"team": "x"}, false},
		{"nested subset", map[string]interface{}{
			"nested": map[string]interface{}{"env": "prod"},
		}, true},
		{"nested mismatch", map[string]interface{}{
			"nested": map[string]interface{}{"env": "dev"},
		}, false},
		{"numeric coercion int vs float64", map[string]interface{}{
			"nested": map[string]interface{}{"count": 3},
		}, true},
		{"array exact match", map[string]interface{}{
			"tags": []interface{}{"a", "b"},
		}, true},
		{"array length mismatch", map[string]interface{}{
			"tags": []interface{}{"a"},
		}, false},
		{"array order matters", map[string]interface{}{
			"tags": []interface{}{"b", "a"},
		}, false},
		{"object where scalar expected", map[string]interface{}{
			"owner": map[string]interface{}{"x": 1},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(metadata, tt.filter))
		})
	}
}

func TestMatchesNilMetadata(t *testing.T) {
	assert.True(t, Matches(nil, nil))
	assert.False(t, Matches(nil, map[string]interface{}{"owner": "alice"}))
}
