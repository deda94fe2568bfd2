package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGroupRef(t *testing.T) {
	tests := []struct {
		input   string
		want    GroupRef
		wantErr bool
	}{
		{input: "Engineering", want: GroupRef{Org: "primary", Name: "engineering"}},
		{input: "EMEA::Staff", want: GroupRef{Org: "emea", Name: "staff"}},
		{input: "::Staff", want: GroupRef{Org: "primary", Name: "staff"}},
		{input: "  Legal  ", want: GroupRef{Org: "primary", Name: "legal"}},
		{input: "", wantErr: true},
		{input: "emea::", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseGroupRef(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStrayLimit(t *testing.T) {
	t.Run("absolute count", func(t *testing.T) {
		l, err := ParseStrayLimit("200")
		require.NoError(t, err)
		assert.False(t, l.Percent)
		assert.Equal(t, 200, l.Value)
		assert.Equal(t, "200", l.String())
	})

	t.Run("percentage", func(t *testing.T) {
		l, err := ParseStrayLimit("15%")
		require.NoError(t, err)
		assert.True(t, l.Percent)
		assert.Equal(t, 15, l.Value)
		assert.Equal(t, "15%", l.String())
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, s := range []string{"", "abc", "-1", "-5%"} {
			_, err := ParseStrayLimit(s)
			assert.Error(t, err, s)
		}
	})
}

func TestStrayLimitExceeded(t *testing.T) {
	t.Run("absolute boundary", func(t *testing.T) {
		l := StrayLimit{Value: 10}
		assert.False(t, l.Exceeded(10, 1000))
		assert.True(t, l.Exceeded(11, 1000))
	})

	t.Run("percentage boundary", func(t *testing.T) {
		l := StrayLimit{Percent: true, Value: 10}
		assert.False(t, l.Exceeded(10, 100))
		assert.True(t, l.Exceeded(11, 100))
	})

	t.Run("percentage truncates", func(t *testing.T) {
		l := StrayLimit{Percent: true, Value: 10}
		// 10% of 25 users allows 2
		assert.False(t, l.Exceeded(2, 25))
		assert.True(t, l.Exceeded(3, 25))
	})
}

func TestParseSignOnlyAction(t *testing.T) {
	for _, s := range []string{"exclude", "reset", "deactivate", "remove_roles", "remove_groups"} {
		a, err := ParseSignOnlyAction(s)
		require.NoError(t, err)
		assert.Equal(t, SignOnlyAction(s), a)
	}
	_, err := ParseSignOnlyAction("delete")
	assert.Error(t, err)
}
