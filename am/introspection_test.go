package am

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenSettingsWithSources(t *testing.T) {
	settings := map[string]interface{}{
		"database": map[string]interface{}{
			"path": "cradle.db",
		},
		"sync": map[string]interface{}{
			"interval_seconds": 60,
			"peers": map[string]interface{}{
				"phone": "http://phone.local:8877",
			},
		},
		"cloud": map[string]interface{}{
			"s3": map[string]interface{}{
				"secret_access_key": "hunter2",
				"bucket":            "family",
			},
		},
	}
	sources := map[string]SourceInfo{
		"sync.interval_seconds": {Source: SourceProject, Path: "/project/am.toml"},
		"sync.peers.phone":      {Source: SourceManaged, Path: "/home/u/.cradle/am_managed.toml"},
	}

	t.Run("keys are dotted and sorted", func(t *testing.T) {
		intro := &ConfigIntrospection{}
		flattenSettingsWithSources(settings, "", intro, sources)

		var keys []string
		for _, s := range intro.Settings {
			keys = append(keys, s.Key)
		}
		assert.Equal(t, []string{
			"cloud.s3.bucket",
			"cloud.s3.secret_access_key",
			"database.path",
			"sync.interval_seconds",
			"sync.peers.phone",
		}, keys)
	})

	t.Run("sources and masking", func(t *testing.T) {
		intro := &ConfigIntrospection{}
		flattenSettingsWithSources(settings, "", intro, sources)

		byKey := make(map[string]SettingInfo)
		for _, s := range intro.Settings {
			byKey[s.Key] = s
		}
		assert.Equal(t, SourceDefault, byKey["database.path"].Source)
		assert.Equal(t, "built-in default", byKey["database.path"].SourcePath)
		assert.Equal(t, SourceProject, byKey["sync.interval_seconds"].Source)
		assert.Equal(t, SourceManaged, byKey["sync.peers.phone"].Source)
		assert.Equal(t, "********", byKey["cloud.s3.secret_access_key"].Value)
		assert.Equal(t, "family", byKey["cloud.s3.bucket"].Value)
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("CRADLE_DATABASE_PATH", "/data/cradle.db")
		intro := &ConfigIntrospection{}
		flattenSettingsWithSources(settings, "", intro, sources)

		var found bool
		for _, s := range intro.Settings {
			if s.Key == "database.path" {
				found = true
				assert.Equal(t, SourceEnvironment, s.Source)
				assert.Equal(t, "CRADLE_DATABASE_PATH", s.SourcePath)
			}
		}
		require.True(t, found)
	})
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.cradle/am.toml.back1"))
	assert.True(t, isBackupFile("am_managed.toml.back3"))
	assert.False(t, isBackupFile("/home/u/.cradle/am.toml"))
}
