package idxqueue

import (
	"log/slog"

	"github.com/nikita812/idxqueue/internal/batch"
	"github.com/nikita812/idxqueue/internal/config"
)

// Options configures a Queue. Open uses the embedded config.Options fields
// as given: zero-valued fields are not replaced by config.Load's defaults.
// Pass config.Load's result (or use LoadOptions) to get those defaults and
// to honor a config file and environment variables.
type Options struct {
	config.Options

	// Logger overrides the default structured logger. If nil, one is built
	// from Options.LogLevel via internal/logging.
	Logger *slog.Logger

	// Engine executes document and settings operations against an index's
	// storage. If nil, a Queue cannot process document/settings tasks and
	// every such batch fails with apperr.BatchExecutionError.
	Engine batch.IndexEngine

	// Exporter performs dump and snapshot exports. If nil, a default
	// file-marker exporter rooted at Options.DumpsPath is used.
	Exporter batch.Exporter
}

// LoadOptions is a convenience wrapper around config.Load that returns
// Options ready to pass to Open, with Engine/Exporter/Logger left for the
// caller to fill in.
func LoadOptions(explicitConfigPath string) (Options, error) {
	base, err := config.Load(explicitConfigPath)
	if err != nil {
		return Options{}, err
	}
	return Options{Options: base}, nil
}
