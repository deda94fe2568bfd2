package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "signsync", root.Name)

	for _, name := range []string{"sync", "validate", "daemon", "status"} {
		assert.Contains(t, root.Subcommands, name)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	root := NewRootCommand()

	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"signsync", "frobnicate"}

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestExecuteNoArgsPrintsUsage(t *testing.T) {
	root := NewRootCommand()

	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"signsync"}

	assert.NoError(t, root.Execute())
}
