package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// For example: server.addr, server.url, redis.addr, log.level, replica.coalesceWindow, compact.tombstoneTTL

// LocalFile is the per-project config file, looked up from the working
// directory upwards.
const LocalFile = "quill.toml"

func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	cfgDir := filepath.Join(home, ".config", "quill")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, "config.toml"), nil
}

func localConfigPath(dir string) string {
	return filepath.Join(dir, LocalFile)
}

// FindLocal walks up from start to the first directory holding a
// quill.toml.
func FindLocal(start string) (string, error) {
	cur, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(localConfigPath(cur)); err == nil {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", os.ErrNotExist
		}
		cur = parent
	}
}

func loadToml(path string) (*toml.Tree, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tree, err := toml.TreeFromMap(map[string]interface{}{})
		if err != nil {
			return nil, fmt.Errorf("failed to create empty config: %w", err)
		}
		return tree, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tree, err := toml.LoadBytes(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tree, nil
}

func saveToml(tree *toml.Tree, path string) error {
	return os.WriteFile(path, []byte(tree.String()), 0644)
}

// SetGlobalConfigValue sets key=val in ~/.config/quill/config.toml
func SetGlobalConfigValue(key, val string) error {
	gp, err := globalConfigPath()
	if err != nil {
		return err
	}
	tree, err := loadToml(gp)
	if err != nil {
		return err
	}
	tree.Set(key, val)
	return saveToml(tree, gp)
}

// SetLocalConfigValue sets key=val in dir/quill.toml
func SetLocalConfigValue(dir, key, val string) error {
	lp := localConfigPath(dir)
	tree, err := loadToml(lp)
	if err != nil {
		return err
	}
	tree.Set(key, val)
	return saveToml(tree, lp)
}

// layers returns the local tree (if dir has one) followed by the global
// tree. Missing files give empty trees.
func layers(dir string) ([]*toml.Tree, error) {
	var out []*toml.Tree
	if dir != "" {
		t, err := loadToml(localConfigPath(dir))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	gp, err := globalConfigPath()
	if err != nil {
		return out, nil
	}
	t, err := loadToml(gp)
	if err != nil {
		return nil, err
	}
	return append(out, t), nil
}

// GetConfigValue => local override, else global
func GetConfigValue(dir, key string) (string, error) {
	trees, err := layers(dir)
	if err != nil {
		return "", err
	}
	for _, t := range trees {
		if v := t.Get(key); v != nil {
			return fmt.Sprintf("%v", v), nil
		}
	}
	return "", errors.New("no config value for " + key)
}
