package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/cradle/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Log deletion failures (but don't fail config save)
		fmt.Fprintf(os.Stderr, "Failed to delete old backup %s: %v\n", back3, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetManagedConfigPath returns the path of the config file cradle writes
// itself, ~/.cradle/am_managed.toml
func GetManagedConfigPath() string {
	return filepath.Join(userDir(), "am_managed.toml")
}

// loadOrInitializeManagedConfig loads the managed config file, or an empty one if it doesn't exist
func loadOrInitializeManagedConfig() (map[string]interface{}, string, error) {
	configPath := GetManagedConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .cradle directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse managed config")
		}
	}
	if config == nil {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveManagedConfig writes the config to the managed config file with backup
func saveManagedConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write managed config")
	}

	return nil
}

// syncSection returns the sync table of config, creating it if missing
func syncSection(config map[string]interface{}) map[string]interface{} {
	if s, ok := config["sync"].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	config["sync"] = s
	return s
}

// peersSection returns the sync.peers table of config, creating it if missing
func peersSection(config map[string]interface{}) map[string]interface{} {
	s := syncSection(config)
	if p, ok := s["peers"].(map[string]interface{}); ok {
		return p
	}
	p := make(map[string]interface{})
	s["peers"] = p
	return p
}

// AddSyncPeer records a peer in the managed config
func AddSyncPeer(name, peerURL string) error {
	if name == "" || peerURL == "" {
		return errors.NewInvalidRequestError("peer name and url are required")
	}
	config, configPath, err := loadOrInitializeManagedConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load managed config")
	}
	peersSection(config)[name] = peerURL
	return saveManagedConfig(config, configPath)
}

// RemoveSyncPeer removes a peer from the managed config. Peers defined in
// other config files are not touched.
func RemoveSyncPeer(name string) error {
	config, configPath, err := loadOrInitializeManagedConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load managed config")
	}
	peers := peersSection(config)
	if _, ok := peers[name]; !ok {
		return errors.NewNotFoundError("peer %q is not in %s", name, configPath)
	}
	delete(peers, name)
	return saveManagedConfig(config, configPath)
}
