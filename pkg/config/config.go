package config

import (
	"log"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// source resolves keys from the environment and, when loaded, a config file.
// Environment variables take precedence over file values.
var source = newSource()

func newSource() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// LoadFile merges a YAML, TOML or JSON file into the lookup chain.
func LoadFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	source.SetConfigFile(path)
	return source.ReadInConfig()
}

// GetString retrieves a setting or returns a fallback when unset.
func GetString(key, fallback string) string {
	if source.IsSet(key) {
		return source.GetString(key)
	}
	return fallback
}

// GetInt retrieves a setting as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if !source.IsSet(key) {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(source.GetString(key)))
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetBool retrieves a setting as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if !source.IsSet(key) {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(source.GetString(key)))
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetList retrieves a comma separated setting, dropping empty items.
func GetList(key string, fallback []string) []string {
	if !source.IsSet(key) {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(source.GetString(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
