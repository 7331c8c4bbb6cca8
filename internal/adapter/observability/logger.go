package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/compintel-pipeline/internal/config"
)

// SetupLogger configures the process logger. JSON output everywhere except
// dev, where a text handler at debug level is easier on the eyes.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	var h slog.Handler
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
