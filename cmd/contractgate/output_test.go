package main

import (
	"bytes"
	"testing"

	"github.com/itchyny/gojq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero", 0, true},
		{"empty string", "", true},
		{"object", map[string]interface{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTruthy(tt.v))
		})
	}
}

func TestMatchesAll(t *testing.T) {
	type event struct {
		Title string `json:"title"`
		Total string `json:"total"`
	}
	ev := event{Title: "removeAllAccessories", Total: "0.00210000"}

	compile := func(filters ...string) []*gojq.Code {
		codes := make([]*gojq.Code, len(filters))
		for i, f := range filters {
			code, err := compileJQ(f)
			require.NoError(t, err)
			codes[i] = code
		}
		return codes
	}

	assert.True(t, matchesAll(nil, ev))
	assert.True(t, matchesAll(compile(`.title == "removeAllAccessories"`), ev))
	assert.True(t, matchesAll(compile(`.title | startswith("remove")`, `.total | tonumber > 0.001`), ev))
	assert.False(t, matchesAll(compile(`.title == "mint"`), ev))
	assert.False(t, matchesAll(compile(`.missing`), ev))
	assert.False(t, matchesAll(compile(`.title | tonumber`), ev), "errors do not match")
}

func TestRunJQ(t *testing.T) {
	code, err := compileJQ(`.writes[] | .state`)
	require.NoError(t, err)

	var buf bytes.Buffer
	input := map[string]interface{}{
		"writes": []map[string]string{{"state": "confirmed"}, {"state": "rejected"}},
	}
	require.NoError(t, runJQ(&buf, code, input))
	assert.Equal(t, "\"confirmed\"\n\"rejected\"\n", buf.String())
}
