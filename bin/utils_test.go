package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/payloads"
)

func TestParsePayload(t *testing.T) {
	value, err := parsePayload("EchoRequest", `{"data": "hello"}`)
	require.NoError(t, err)
	assert.Equal(t, &payloads.EchoRequest{Data: "hello"}, value)

	// Missing args are the zero value.
	value, err = parsePayload("ListDirRequest", "")
	require.NoError(t, err)
	assert.Equal(t, &payloads.ListDirRequest{}, value)

	_, err = parsePayload("EchoRequest", `{"data": `)
	assert.Error(t, err)

	_, err = parsePayload("NoSuchType", "")
	assert.Error(t, err)

	value, err = parsePayload("", "")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestGenerateConfig(t *testing.T) {
	config_obj := generateConfig("SQLite", "/tmp/test.db")
	serialized, err := config.Encode(config_obj)
	require.NoError(t, err)

	parsed, err := config.ParseConfigFromString(serialized)
	require.NoError(t, err)
	assert.Equal(t, "SQLite", parsed.Datastore.Implementation)
	assert.Equal(t, "/tmp/test.db", parsed.Datastore.Location)
	assert.Equal(t, config_obj.Worker.LeaseTTLSec, parsed.Worker.LeaseTTLSec)

	config_obj = generateConfig("MySQL", "user:pass@tcp(localhost)/flows")
	assert.Equal(t, "user:pass@tcp(localhost)/flows",
		config_obj.Datastore.MysqlConnectionString)
	assert.Equal(t, "", config_obj.Datastore.Location)
}

func TestWriteGeneratedConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.config.yaml")
	config_obj := generateConfig("SQLite", "/tmp/test.db")
	require.NoError(t, config.WriteConfigToFile(filename, config_obj))

	loaded, err := config.LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", loaded.Datastore.Location)
}

func TestValidateIds(t *testing.T) {
	assert.NoError(t, validateFlowId("F.1234"))
	assert.Error(t, validateFlowId("H.1234"))
	assert.NoError(t, validateHuntId("H.1234"))
	assert.Error(t, validateHuntId("C.1234"))
}
