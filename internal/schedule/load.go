package schedule

import (
	"fmt"
	"os"
	"strings"

	"shiftbell/internal/config"
)

// Load reads a schedule document (JSON, or YAML by extension) with the same
// strict decoder as the app config.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: schedule_file is empty", ErrNoConfiguration)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoConfiguration, err)
	}
	return Parse(path, b)
}

// Parse decodes a schedule document. path only selects the format.
func Parse(path string, data []byte) (*Config, error) {
	var c Config
	if err := config.DecodeStrict(path, data, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoConfiguration, path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoConfiguration, path, err)
	}
	return &c, nil
}
