package display

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestShouldOutputJSON(t *testing.T) {
	newCmd := func() (*cobra.Command, *cobra.Command) {
		root := &cobra.Command{Use: "cradle"}
		root.PersistentFlags().Bool("json", false, "")
		child := &cobra.Command{Use: "list", Run: func(*cobra.Command, []string) {}}
		root.AddCommand(child)
		return root, child
	}

	t.Run("default is human output", func(t *testing.T) {
		_, child := newCmd()
		assert.False(t, ShouldOutputJSON(child))
	})

	t.Run("global flag", func(t *testing.T) {
		root, child := newCmd()
		root.SetArgs([]string{"list", "--json"})
		assert.NoError(t, root.Execute())
		assert.True(t, ShouldOutputJSON(child))
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("CRADLE_OUTPUT", "json")
		_, child := newCmd()
		assert.True(t, ShouldOutputJSON(child))
		assert.True(t, ShouldOutputJSON(nil))
	})
}

func TestMarshalJSONIsValid(t *testing.T) {
	data, err := MarshalJSON(map[string]int{"added": 2})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"added": 2}`, string(data))
}
