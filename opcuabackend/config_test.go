package opcuabackend_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hzdr-desy/opcua-register-backend/opcuabackend"
)

func TestConfigUnmarshalsFromYAMLFixture(t *testing.T) {
	raw := []byte(`
server_address: "opc.tcp://plc.example.org:4840"
username: "operator"
password: "secret"
root_node: "2:Devices"
map_format: 1
publishing_interval: 500000000
connection_timeout: 5000000000
cache_file: "/var/lib/opcua/catalogue.cache"
`)

	var cfg opcuabackend.Config
	require.NoError(t, yaml.Unmarshal(raw, &cfg))

	require.Equal(t, "opc.tcp://plc.example.org:4840", cfg.ServerAddress)
	require.Equal(t, "operator", cfg.Username)
	require.Equal(t, "2:Devices", cfg.RootNode)
	require.Equal(t, opcuabackend.MapFileLegacy, cfg.MapFileFormat)
	require.Equal(t, 500*time.Millisecond, cfg.PublishingInterval)
	require.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
	require.Equal(t, "/var/lib/opcua/catalogue.cache", cfg.CacheFile)
}
