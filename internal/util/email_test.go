package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"  Jane.Doe@Example.COM ": "jane.doe@example.com",
		"john..smith@acme.io":     "john.smith@acme.io",
		"ops@acme.io.":            "ops@acme.io",
		"not-an-address":          "",
		"":                        "",
		"a@b":                     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeEmail(in), "input %q", in)
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "acme.io", DomainOf("ops@ACME.io"))
	assert.Equal(t, "", DomainOf("ops@"))
	assert.Equal(t, "", DomainOf("nobody"))
}

func TestNewIsSortable(t *testing.T) {
	a, b := New(), New()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
