package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrimaryGroup(t *testing.T) {
	rules := []PrimaryGroupRule{
		{Required: []string{"legal", "finance"}, Primary: "Legal-Primary"},
		{Required: []string{"legal"}, Primary: "Legal"},
		{Required: []string{"engineering"}, Primary: "Engineering"},
	}

	t.Run("first matching rule wins", func(t *testing.T) {
		pg, ok := ResolvePrimaryGroup(rules, map[string]bool{"legal": true, "finance": true, "engineering": true})
		assert.True(t, ok)
		assert.Equal(t, "legal-primary", pg)
	})

	t.Run("subset containment not overlap", func(t *testing.T) {
		pg, ok := ResolvePrimaryGroup(rules, map[string]bool{"legal": true})
		assert.True(t, ok)
		assert.Equal(t, "legal", pg, "the two-group rule must not match a single group")
	})

	t.Run("no rule matches", func(t *testing.T) {
		_, ok := ResolvePrimaryGroup(rules, map[string]bool{"sales": true})
		assert.False(t, ok)
	})

	t.Run("empty required never matches", func(t *testing.T) {
		_, ok := ResolvePrimaryGroup([]PrimaryGroupRule{{Required: nil, Primary: "Default"}}, map[string]bool{"legal": true})
		assert.False(t, ok)
	})

	t.Run("no rules", func(t *testing.T) {
		_, ok := ResolvePrimaryGroup(nil, map[string]bool{"legal": true})
		assert.False(t, ok)
	})
}
