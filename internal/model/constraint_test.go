package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		in      string
		want    Constraint
		wantErr bool
	}{
		{in: "", want: Constraint{}},
		{in: ">= 3.9", want: Constraint{Op: OpGe, Version: "3.9"}},
		{in: "<=1.2", want: Constraint{Op: OpLe, Version: "1.2"}},
		{in: "== 2.0.1", want: Constraint{Op: OpEq, Version: "2.0.1"}},
		{in: "> 1", want: Constraint{Op: OpGt, Version: "1"}},
		{in: "<2", want: Constraint{Op: OpLt, Version: "2"}},
		{in: "1.27.0", want: Constraint{Op: OpEq, Version: "1.27.0"}},
		{in: ">=", wantErr: true},
		{in: "!= 1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseConstraint(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConstraintSatisfies(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"", "anything", true},
		{">= 3.9", "3.10", true},
		{">= 3.9", "3.8.12", false},
		{"< 2", "1.99", true},
		{"< 2", "2.0", false},
		{"== 1.2", "1.2.0", true},
		{"> 1.27.0", "1.27.0_1", true},
		{"<= 1.0-rc", "1.0-rc", true},
	}
	for _, tc := range tests {
		t.Run(tc.constraint+" "+tc.version, func(t *testing.T) {
			c, err := ParseConstraint(tc.constraint)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Satisfies(tc.version))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.2", "1.2.0"))
	assert.Equal(t, -1, CompareVersions("1.2", "1.10"))
	assert.Equal(t, 1, CompareVersions("2", "1.99.99"))
	assert.Equal(t, 1, CompareVersions("1.0b", "1.0a"))
}
