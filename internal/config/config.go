// Package config loads scheduler options the way the teacher's own
// configuration layer does: spf13/viper, a config file discovered by
// walking up from the working directory, environment variables under a
// fixed prefix, and explicit defaults as the last resort.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/nikita812/idxqueue/internal/apperr"
)

// EnvPrefix is the environment variable prefix options are also read from,
// e.g. IDXQUEUE_AUTOBATCHING_ENABLED.
const EnvPrefix = "IDXQUEUE"

// Options is every tunable the scheduler reads from configuration.
type Options struct {
	// TasksPath is the directory holding the task queue's own KV
	// environment and the process lock file.
	TasksPath string `mapstructure:"tasks_path"`
	// IndexesPath is the directory under which each index's storage lives.
	IndexesPath string `mapstructure:"indexes_path"`
	// UpdateFilesPath is the directory holding pending document import
	// blobs.
	UpdateFilesPath string `mapstructure:"update_files_path"`
	// DumpsPath is the directory dump exports are written to.
	DumpsPath string `mapstructure:"dumps_path"`
	// AutobatchingEnabled toggles task fusion; when false the scheduler
	// processes exactly one task per batch.
	AutobatchingEnabled bool `mapstructure:"autobatching_enabled"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

func defaults() Options {
	return Options{
		TasksPath:           "data/tasks",
		IndexesPath:         "data/indexes",
		UpdateFilesPath:     "data/update-files",
		DumpsPath:           "data/dumps",
		AutobatchingEnabled: true,
		LogLevel:            "info",
	}
}

// Load resolves Options from one config file, environment variables under
// EnvPrefix, and the hardcoded defaults above. If explicitPath is non-empty
// it is the only file read and must exist; otherwise the first config.yaml
// found under a .idxqueue/ directory walking up from the working directory,
// then under ~/.config/idxqueue/, is read, and having none is not an error.
// An environment variable overrides the file's value for the same key, and
// a default applies only when neither sets it.
func Load(explicitPath string) (Options, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	d := defaults()
	v.SetDefault("tasks_path", d.TasksPath)
	v.SetDefault("indexes_path", d.IndexesPath)
	v.SetDefault("update_files_path", d.UpdateFilesPath)
	v.SetDefault("dumps_path", d.DumpsPath)
	v.SetDefault("autobatching_enabled", d.AutobatchingEnabled)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		for _, dir := range candidateConfigDirs() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Options{}, apperr.Wrap(apperr.IoError, "reading configuration", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, apperr.Wrap(apperr.IoError, "parsing configuration", err)
	}
	return opts, nil
}

// candidateConfigDirs walks up from the working directory looking for a
// .idxqueue directory, then falls back to the user's config home.
func candidateConfigDirs() []string {
	var dirs []string

	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			dirs = append(dirs, filepath.Join(dir, ".idxqueue"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "idxqueue"))
	}

	return dirs
}
