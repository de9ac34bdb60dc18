package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticStore(t *testing.T) {
	t.Run("should combine preamble and agent prompt", func(t *testing.T) {
		store := NewStaticStore("You are part of the astra assistant.", map[string]string{
			"researcher": "You research topics thoroughly.",
		})

		prompt := store.SystemPrompt("researcher")
		assert.Contains(t, prompt, "astra assistant")
		assert.Contains(t, prompt, "research topics")
	})

	t.Run("should fall back to preamble for unknown agents", func(t *testing.T) {
		store := NewStaticStore("Base prompt.", nil)
		assert.Equal(t, "Base prompt.", store.SystemPrompt("ghost"))
	})

	t.Run("should apply prompt updates", func(t *testing.T) {
		store := NewStaticStore("", map[string]string{"main": "v1"})
		store.SetPrompt("main", "v2")
		assert.Equal(t, "v2", store.SystemPrompt("main"))
	})
}
