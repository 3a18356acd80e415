package capture

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Canonical field names for structured logging.
const (
	fieldComponent = "component"
	fieldRunID     = "run_id"
	fieldCodec     = "codec"
	fieldProvider  = "provider"
	fieldGeometry  = "geometry"
	fieldPath      = "path"
	fieldPTS       = "pts"
	fieldOldState  = "old_state"
	fieldNewState  = "new_state"
)

// NewLogger returns a zerolog logger writing to w (os.Stderr when nil) at
// level. An empty level falls back to LOG_LEVEL, then info.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// withComponent returns a child logger annotated with the given component name.
func withComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str(fieldComponent, component).Logger()
}
