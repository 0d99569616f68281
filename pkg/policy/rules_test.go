package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodRules = `{
  "version": 1,
  "policies": [
    {"name": "amount", "type": "max-value", "limit": 100000},
    {"name": "pin-entry", "type": "max-len", "max_digits": 8},
    {"name": "open", "type": "always"},
    {"name": "parked", "type": "max-len", "max_digits": 4, "disabled": true}
  ]
}`

func TestValidateRulesAccepts(t *testing.T) {
	require.NoError(t, ValidateRules([]byte(goodRules)))
}

func TestValidateRulesRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"version": 1,`},
		{"wrong version", `{"version": 2, "policies": []}`},
		{"missing policies", `{"version": 1}`},
		{"max-value without limit", `{"version": 1, "policies": [{"name": "a", "type": "max-value"}]}`},
		{"max-len without max_digits", `{"version": 1, "policies": [{"name": "a", "type": "max-len"}]}`},
		{"unknown type", `{"version": 1, "policies": [{"name": "a", "type": "range"}]}`},
		{"zero limit", `{"version": 1, "policies": [{"name": "a", "type": "max-value", "limit": 0}]}`},
		{"bad name", `{"version": 1, "policies": [{"name": "Bad Name", "type": "always"}]}`},
		{"stray field", `{"version": 1, "policies": [{"name": "a", "type": "always", "severity": 3}]}`},
		{"top-level stray field", `{"version": 1, "policies": [], "mode": "strict"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateRules([]byte(tt.doc)))
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(goodRules), 0600))

	specs, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, "amount", specs[0].Name)
	assert.Equal(t, uint64(100000), specs[0].Limit)
	assert.True(t, specs[3].Disabled)

	// Loaded specs feed straight into a registry.
	reg := NewRegistry()
	require.NoError(t, reg.Replace(specs))

	p, err := reg.Active("amount")
	require.NoError(t, err)
	assert.False(t, p.Allow("100001"))

	_, err = reg.Active("parked")
	assert.Error(t, err)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestMergeRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(goodRules), 0600))

	inline := []Spec{
		{Name: "amount", Type: "max-value", Limit: 500},
		{Name: "local-only", Type: "max-len", MaxDigits: 2},
	}

	specs, err := MergeRules(inline, path)
	require.NoError(t, err)
	require.Len(t, specs, 5)

	// The file definition of "amount" replaces the inline one in place.
	assert.Equal(t, "amount", specs[0].Name)
	assert.Equal(t, uint64(100000), specs[0].Limit)
	assert.Equal(t, "local-only", specs[1].Name)
}

func TestMergeRulesNoFile(t *testing.T) {
	inline := []Spec{{Name: "open", Type: "always"}}

	specs, err := MergeRules(inline, "")
	require.NoError(t, err)
	require.Len(t, specs, 1)

	// The result is a copy, not an alias of the inline slice.
	specs[0].Name = "changed"
	assert.Equal(t, "open", inline[0].Name)
}
