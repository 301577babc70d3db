package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mzxrai/memva/store"
)

// Bootstrap is the YAML-encoded seed for the Settings singleton row, read
// once at process startup before the pool starts claiming jobs. It exists
// so an operator can ship a settings.yaml alongside the binary instead of
// hand-writing a row into the database.
type Bootstrap struct {
	MaxTurns         int    `yaml:"maxTurns"`
	PermissionMode   string `yaml:"permissionMode"`
	DefaultDirectory string `yaml:"defaultDirectory"`
}

// LoadBootstrap reads and parses a YAML bootstrap file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse bootstrap file: %w", err)
	}
	return &b, nil
}

// Settings converts the bootstrap file into a store.Settings row.
func (b *Bootstrap) Settings() *store.Settings {
	return &store.Settings{
		MaxTurns:         b.MaxTurns,
		PermissionMode:   b.PermissionMode,
		DefaultDirectory: b.DefaultDirectory,
	}
}

// Apply writes b's values into the store's Settings row. store.Open already
// seeds a hardcoded default row on first open (ensureSettingsRow), so Apply
// is the explicit "read the bootstrap file once at startup and make it the
// current Settings" step a caller opts into, not a conditional seed.
func Apply(ctx context.Context, s store.Store, b *Bootstrap) error {
	if err := s.UpdateSettings(ctx, b.Settings()); err != nil {
		return fmt.Errorf("config: apply bootstrap settings: %w", err)
	}
	return nil
}
