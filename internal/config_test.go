package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_ReadsAllSections(t *testing.T) {
	path := writeConfig(t, `storage_path = /srv/recordings
log_level = debug

[CAMERA]
type = dahua
host = 192.168.1.108
port = 80
username = admin
password = secret

[POLLER]
poll_interval = 30

[FFMPEG]
ffmpeg_path = /usr/bin/ffmpeg

[NTFY]
topic = sideline-alerts

[API]
enabled = true
host_address = 127.0.0.1:9000

[PLAYLISTS]
Hornets = Hornets 2025 Season
wanderers = Wanderers Archive
`)

	config := SidelineConfig{}
	require.NoError(t, config.LoadFromFile(path))

	assert.Equal(t, "/srv/recordings", config.StorageRoot)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "dahua", config.Camera.Type)
	assert.Equal(t, "192.168.1.108", config.Camera.Host)
	assert.Equal(t, 30, config.Poller.PollIntervalSeconds)
	assert.Equal(t, "/usr/bin/ffmpeg", config.Ffmpeg.FfmpegBinPath)
	assert.Equal(t, "sideline-alerts", config.Ntfy.Topic)
	assert.True(t, config.Api.Enabled)
	assert.Equal(t, "127.0.0.1:9000", config.Api.HostAddr)

	// Playlist keys are normalized for case-insensitive team lookup.
	assert.Equal(t, "Hornets 2025 Season", config.Playlists["hornets"])
	assert.Equal(t, "Wanderers Archive", config.Playlists["wanderers"])
}

func TestLoadFromFile_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `storage_path = /srv/recordings

[CAMERA]
type = dahua
host = 192.168.1.108
`)
	t.Setenv("CAMERA_HOST", "10.0.0.50")

	config := SidelineConfig{}
	require.NoError(t, config.LoadFromFile(path))
	assert.Equal(t, "10.0.0.50", config.Camera.Host)
}

func TestLoadFromFile_MissingMandatoryFieldsFailValidation(t *testing.T) {
	path := writeConfig(t, `storage_path = /srv/recordings

[CAMERA]
type = dahua
`)

	config := SidelineConfig{}
	err := config.LoadFromFile(path)
	assert.Error(t, err, "a camera without a host must be rejected at startup")
}

func chdir(t *testing.T, dir string) {
	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(previous) })
}

func TestFindConfigFile_PrefersWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("storage_path = /tmp"), 0o644))

	found, err := FindConfigFile()
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}
