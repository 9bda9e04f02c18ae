package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/herald/internal/workitem"
)

func TestRender(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, NoItemsMessage, Render(nil))
		assert.Equal(t, "No work items.", Render([]workitem.Item{}))
	})

	t.Run("items", func(t *testing.T) {
		out := Render(sampleItems)
		assert.Contains(t, out, "Work items (2):")
		for _, it := range sampleItems {
			assert.Contains(t, out, it.ID)
			assert.Contains(t, out, it.Title)
			assert.Contains(t, out, it.State)
		}
		assert.Contains(t, out, "Description: Draft\n    then publish")
		assert.NotContains(t, out, NoItemsMessage)
	})
}
