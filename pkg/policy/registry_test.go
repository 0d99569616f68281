package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndActive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("amount", MaxValue(100000))

	p, err := reg.Active("amount")
	require.NoError(t, err)
	assert.True(t, p.Allow("100000"))
	assert.False(t, p.Allow("100001"))

	_, err = reg.Active("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}

func TestRegistryEnableDisable(t *testing.T) {
	reg := NewRegistry()
	reg.Register("amount", MaxValue(100))

	require.True(t, reg.IsEnabled("amount"))

	reg.Disable("amount")
	assert.False(t, reg.IsEnabled("amount"))

	_, err := reg.Active("amount")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyDisabled))

	// Get still sees disabled policies.
	_, ok := reg.Get("amount")
	assert.True(t, ok)

	require.NoError(t, reg.Enable("amount"))
	_, err = reg.Active("amount")
	assert.NoError(t, err)

	assert.Error(t, reg.Enable("never-registered"))
}

func TestRegistryRegisterSpec(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterSpec(Spec{Name: "cap", Type: "max-len", MaxDigits: 6}))
	p, err := reg.Active("cap")
	require.NoError(t, err)
	assert.True(t, p.Allow("123456"))
	assert.False(t, p.Allow("1234567"))

	require.NoError(t, reg.RegisterSpec(Spec{Name: "off", Type: "always", Disabled: true}))
	_, err = reg.Active("off")
	assert.True(t, errors.Is(err, ErrPolicyDisabled))

	err = reg.RegisterSpec(Spec{Name: "bad", Type: "max-value"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadSpec))
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	reg.Register("old", Always())

	specs := []Spec{
		{Name: "amount", Type: "max-value", Limit: 100000},
		{Name: "pin", Type: "max-len", MaxDigits: 8},
	}
	require.NoError(t, reg.Replace(specs))

	assert.Equal(t, []string{"amount", "pin"}, reg.Names())
	_, ok := reg.Get("old")
	assert.False(t, ok, "Replace should drop policies not in the new set")

	got := reg.Specs()
	require.Len(t, got, 2)
	assert.Equal(t, "amount", got[0].Name)
	assert.Equal(t, "pin", got[1].Name)
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("keep", MaxLen(3))

	bad := []Spec{
		{Name: "fine", Type: "always"},
		{Name: "broken", Type: "no-such-type"},
	}
	err := reg.Replace(bad)
	require.Error(t, err)

	// The failed replace must leave the previous contents untouched.
	p, err := reg.Active("keep")
	require.NoError(t, err)
	assert.False(t, p.Allow("1234"))
	_, ok := reg.Get("fine")
	assert.False(t, ok)
}

func TestRegistryReplaceRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	err := reg.Replace([]Spec{
		{Name: "dup", Type: "always"},
		{Name: "dup", Type: "max-len", MaxDigits: 2},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadSpec))
}

func TestSpecBuild(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"always", Spec{Name: "a", Type: "always"}, false},
		{"max-value", Spec{Name: "v", Type: "max-value", Limit: 10}, false},
		{"max-len", Spec{Name: "l", Type: "max-len", MaxDigits: 4}, false},
		{"missing name", Spec{Type: "always"}, true},
		{"unknown type", Spec{Name: "x", Type: "minimum"}, true},
		{"max-value without limit", Spec{Name: "v", Type: "max-value"}, true},
		{"max-len without digits", Spec{Name: "l", Type: "max-len"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.spec.Build()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBadSpec))
			} else {
				require.NoError(t, err)
				assert.NotNil(t, p)
			}
		})
	}
}
