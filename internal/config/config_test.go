package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mount:
  mount_point: /mnt/game
  volume_label: MyGame
cache:
  dir: /var/cache/egvmount
cdn:
  host: https://epicgames-download1.akamaized.net
  cloud_dir: CloudDir
manifest:
  source_url: https://example.com/manifest.json
audit:
  enabled: true
  sink:
    type: stdout
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/game", cfg.Mount.MountPoint)
	assert.Equal(t, uint16(4), cfg.Cache.ThreadCount)
	assert.Equal(t, uint16(32), cfg.Cache.BufferCount)
	assert.True(t, cfg.Cache.VerifyHashes)
	assert.Equal(t, 5, cfg.CDN.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.CDN.RequestTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingMountPointFails(t *testing.T) {
	path := writeConfig(t, `
cache:
  dir: /var/cache/egvmount
cdn:
  host: https://example.com
manifest:
  source_url: https://example.com/manifest.json
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingManifestSourceFails(t *testing.T) {
	path := writeConfig(t, `
mount:
  mount_point: /mnt/game
cache:
  dir: /var/cache/egvmount
cdn:
  host: https://example.com
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "MyGame", w.Current().Mount.VolumeLabel)

	replaced := `
mount:
  mount_point: /mnt/game
  volume_label: UpdatedLabel
cache:
  dir: /var/cache/egvmount
cdn:
  host: https://epicgames-download1.akamaized.net
  cloud_dir: CloudDir
manifest:
  source_url: https://example.com/manifest.json
`
	require.NoError(t, os.WriteFile(path, []byte(replaced), 0o644))

	require.Eventually(t, func() bool {
		return w.Current().Mount.VolumeLabel == "UpdatedLabel"
	}, 2*time.Second, 20*time.Millisecond)
}
