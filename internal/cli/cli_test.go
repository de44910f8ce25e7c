package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLIRootCommand(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "raftd", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	flag := cmd.PersistentFlags().Lookup("config")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "configs/default.yaml", flag.DefValue)
	}
}

func TestBuildCLISubcommands(t *testing.T) {
	cmd := BuildCLI()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["run"], "expected a run subcommand")
	assert.True(t, names["status"], "expected a status subcommand")
}
