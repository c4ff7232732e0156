package wiring

import (
	"io"
	"log/slog"
	"strings"

	infra_config "github.com/spounge-ai/keypool/internal/infra/config"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg infra_config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
