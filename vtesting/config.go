package vtesting

import (
	"testing"

	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/flowrunner/config"
)

// A validated default configuration using the memory datastore.
// Output plugins write below the test's temp directory.
func GetTestConfig(t *testing.T) *config.Config {
	config_obj := config.GetDefaultConfig()
	config_obj.Datastore.Implementation = "Test"
	config_obj.OutputPlugins.JsonlDirectory = t.TempDir()

	require.NoError(t, config.Validate(config_obj))
	return config_obj
}
