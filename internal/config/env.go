package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "STOCKTESTER_"

// EnvManager manages environment variable configuration
type EnvManager struct {
	prefix string
}

// NewEnvManager creates a new environment variable manager
func NewEnvManager(prefix string) *EnvManager {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvManager{prefix: prefix}
}

// Key returns the environment variable name for key
func (em *EnvManager) Key(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.Key(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.Key(key), value)
}

// LoadFromFile loads environment variables from a dotenv file without
// overriding variables that are already set
func (em *EnvManager) LoadFromFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", filename, err)
	}
	return nil
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string

	for _, key := range required {
		if os.Getenv(em.Key(key)) == "" {
			missing = append(missing, em.Key(key))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	return nil
}
