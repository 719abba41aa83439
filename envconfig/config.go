// Package envconfig reads the BLOCKPERF_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level from BLOCKPERF_DEBUG. A true value enables
// debug logging; an integer n selects slog.Level(-4*n).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("BLOCKPERF_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// NumWorkers overrides the configured number of data loader workers.
	// Zero keeps the configuration value.
	NumWorkers = Uint("BLOCKPERF_NUM_WORKERS", 0)
	// Experiments is the directory new experiments are created under.
	Experiments = String("BLOCKPERF_EXPERIMENTS")
)

// Var returns an environment variable stripped of surrounding quotes and
// whitespace.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// String returns a getter for key.
func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

// Uint returns a getter for key that falls back to defaultValue when the
// variable is unset or not a number.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar documents one recognised variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognised variable keyed by name.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"BLOCKPERF_DEBUG":       {"BLOCKPERF_DEBUG", LogLevel(), "Show additional debug information (e.g. BLOCKPERF_DEBUG=1)"},
		"BLOCKPERF_NUM_WORKERS": {"BLOCKPERF_NUM_WORKERS", NumWorkers(), "Number of data loader workers, overriding the config"},
		"BLOCKPERF_EXPERIMENTS": {"BLOCKPERF_EXPERIMENTS", Experiments(), "Directory new experiments are created under"},
	}
}

// Values returns the current value of every recognised variable as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
