package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PositionalAddress(t *testing.T) {
	opts, _, err := Parse("storage-server", []string{"203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", opts.IP)
	assert.Equal(t, uint16(22021), opts.Port)
	assert.Equal(t, DefaultMainnetRPCPort, opts.ArqmadRPCPort)
}

func TestParse_MissingAddress(t *testing.T) {
	_, _, err := Parse("storage-server", []string{"--log-level=debug"}, io.Discard)
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestParse_StagenetDefaultsRPCPort(t *testing.T) {
	opts, _, err := Parse("storage-server", []string{"--stagenet", "203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, DefaultStagenetRPCPort, opts.ArqmadRPCPort)
}

func TestParse_ExplicitRPCPortSurvivesStagenet(t *testing.T) {
	opts, _, err := Parse("storage-server", []string{"--stagenet", "--arqmad-rpc-port=40000", "203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 40000, opts.ArqmadRPCPort)
}

func TestParse_ConfigFileFillsUnsetFlags(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "storage-server.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(""+
		"# comment line\n"+
		"log-level = debug\n"+
		"arqmad-rpc-ip = 10.0.0.9\n"+
		"\n"), 0o600))

	opts, _, err := Parse("storage-server", []string{"--config-file=" + confPath, "203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, "10.0.0.9", opts.ArqmadRPCIP)
}

func TestParse_CLIOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "storage-server.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("log-level = debug\n"), 0o600))

	opts, _, err := Parse("storage-server", []string{"--config-file=" + confPath, "--log-level=warn", "203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "warn", opts.LogLevel)
}

func TestParse_MissingConfigFileFromDataDirIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	opts, _, err := Parse("storage-server", []string{"--data-dir=" + dir, "203.0.113.5", "22021"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, dir, opts.DataDir)
}

func TestParse_ExplicitMissingConfigFileIsFatal(t *testing.T) {
	_, _, err := Parse("storage-server", []string{"--config-file=/no/such/file.conf", "203.0.113.5", "22021"}, io.Discard)
	assert.Error(t, err)
}

func TestParse_VersionShortCircuitsAddressCheck(t *testing.T) {
	opts, _, err := Parse("storage-server", []string{"--version"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, opts.PrintVersion)
}

func TestValidate_RefusesLoopback(t *testing.T) {
	opts := Options{IP: "127.0.0.1", Port: 22021, ArqmadRPCPort: DefaultMainnetRPCPort}
	assert.ErrorIs(t, Validate(opts), ErrLoopbackBind)
}

func TestValidate_RefusesPortCollision(t *testing.T) {
	opts := Options{IP: "203.0.113.5", Port: 19994, ArqmadRPCPort: 19994}
	assert.ErrorIs(t, Validate(opts), ErrPortCollision)
}

func TestValidate_AcceptsSaneConfig(t *testing.T) {
	opts := Options{IP: "203.0.113.5", Port: 22021, ArqmadRPCPort: DefaultMainnetRPCPort}
	assert.NoError(t, Validate(opts))
}

func TestDefaultDataDir_StagenetSubdir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".arqma", "storage"), DefaultDataDir(false))
	assert.Equal(t, filepath.Join(home, ".arqma", "stagenet", "storage"), DefaultDataDir(true))
}
