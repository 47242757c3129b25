package dvid

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// Config is a map of keyword to arbitrary data to specify configurations via keyword.
// Keys are case-insensitive.
type Config map[string]interface{}

// NewConfig returns a Config with lowercased keys from the given map, which is
// usually a table decoded from TOML.
func NewConfig(m map[string]interface{}) Config {
	c := make(Config, len(m))
	for k, v := range m {
		c[strings.ToLower(k)] = v
	}
	return c
}

// Set sets a keyword's value.
func (c Config) Set(key string, value interface{}) {
	c[strings.ToLower(key)] = value
}

// GetString returns a string value for the key.  It is not an error if the key
// is missing, but it is if the value is not a string.
func (c Config) GetString(key string) (s string, found bool, err error) {
	v, found := c[strings.ToLower(key)]
	if !found || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		err = fmt.Errorf("setting %q must be a string (%v)", key, v)
	}
	return
}

// GetInt returns an int value for the key.  TOML and JSON decoding produce
// int64 and float64 respectively, so both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	v, found := c[strings.ToLower(key)]
	if !found || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		i = x
	case int64:
		i = int(x)
	case float64:
		if x != float64(int(x)) {
			err = fmt.Errorf("setting %q must be an integer (%v)", key, v)
		}
		i = int(x)
	default:
		err = fmt.Errorf("setting %q must be an integer (%v)", key, v)
	}
	return
}

// GetBool returns a bool value for the key.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	v, found := c[strings.ToLower(key)]
	if !found || v == nil {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		err = fmt.Errorf("setting %q must be a bool (%v)", key, v)
	}
	return
}

// StoreConfig is a store-specific configuration where each store implementation
// defines the types of parameters it accepts.
type StoreConfig struct {
	Config

	// Engine is a simple name describing the engine, e.g., "badger"
	Engine string
}

// ConvertToAbsolute returns an absolute path for a path that may be relative to
// the given base directory.
func ConvertToAbsolute(path, baseDir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(filepath.Join(baseDir, path))
}
