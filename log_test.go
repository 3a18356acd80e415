package capture

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"chatty", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := NewLogger(tt.level, &bytes.Buffer{}).GetLevel(); got != tt.want {
				t.Errorf("NewLogger(%q) level = %s, want %s", tt.level, got, tt.want)
			}
		})
	}

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "error")
		if got := NewLogger("", &bytes.Buffer{}).GetLevel(); got != zerolog.ErrorLevel {
			t.Errorf("level = %s, want error", got)
		}
	})
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := withComponent(NewLogger("info", &buf), "mux")
	l.Info().Str(fieldPath, "/tmp/x.mp4").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mux", entry[fieldComponent])
	assert.Equal(t, "/tmp/x.mp4", entry[fieldPath])
	assert.Equal(t, "hello", entry["message"])
	assert.Contains(t, entry, "time")
}
