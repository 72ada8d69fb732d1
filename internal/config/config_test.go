package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", c.File)
	assert.Equal(t, Default().Client, c.Client)
	assert.Equal(t, 1500*time.Millisecond, c.Client.InitialReconnectDelay)
	assert.Equal(t, []string{"surveyfoundryDeletedProjects"}, c.Client.MergeKeys)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[client]
url = "https://sync.example.com/app/"
batch_debounce = "50ms"
merge_keys = ["a", "b"]

[server]
addr = ":9000"
`), 0o644))

	t.Setenv("KVSYNC_SERVER_ADDR", ":9100")
	t.Setenv("KVSYNC_CLIENT_DORMANT_THRESHOLD", "7")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.File)
	assert.Equal(t, "https://sync.example.com/app/", c.Client.URL)
	assert.Equal(t, 50*time.Millisecond, c.Client.BatchDebounce)
	assert.Equal(t, []string{"a", "b"}, c.Client.MergeKeys)
	assert.Equal(t, ":9100", c.Server.Addr)
	assert.Equal(t, 7, c.Client.DormantThreshold)
	assert.Equal(t, 15*time.Second, c.Client.HTTPFallbackInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  dormant_threshold: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "dormant_threshold")
}

func TestWriteFile_RoundTrip(t *testing.T) {
	for _, name := range []string{"kvsync.toml", "kvsync.yaml", "kvsync.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := Default()
			want.Client.URL = "http://10.0.0.2:8787/"
			want.Client.QuotaBytes = 5 << 20
			require.NoError(t, want.WriteFile(path, false))

			assert.Error(t, want.WriteFile(path, false))
			require.NoError(t, want.WriteFile(path, true))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want.Client, got.Client)
			assert.Equal(t, want.Server, got.Server)
			assert.Equal(t, want.Log, got.Log)
		})
	}
}

func TestWrite_YAMLSections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Write(&buf, FormatYAML))

	var out map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "1.5s", out["client"]["initial_reconnect_delay"])
	assert.Equal(t, ":8787", out["server"]["addr"])

	assert.Error(t, Default().Write(&buf, "ini"))
}

func TestLogConfig_Output(t *testing.T) {
	w, closeFn := LogConfig{}.Output()
	assert.Equal(t, os.Stderr, w)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "kvsync.log")
	w, closeFn = LogConfig{File: path, MaxSizeMB: 1}.Output()
	Logger(w, "test").Printf("hello")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[test] hello")
}
