// Package configloader loads service configuration from defaults, the
// environment and an optional YAML file.
package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Validator is implemented by configs that check themselves after decoding.
type Validator interface {
	Validate() error
}

// Load decodes configuration into cfgPtr: registered defaults, then ENV, then
// the file at path (skipped when path is empty).
// envPrefix is the ENV prefix, e.g. "CRYPTOLOGY" for CRYPTOLOGY_KAFKA_BROKERS.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()

	// 1) registered defaults
	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}

	// 2) environment override
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3) file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	// 4) decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// 5) validate
	if val, ok := cfgPtr.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}
