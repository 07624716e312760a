package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel(""))
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
}

func TestStandardLogger_LevelEnabled(t *testing.T) {
	logger := &StandardLogger{prefix: "test", level: LogLevelWarn}

	assert.False(t, logger.levelEnabled(LogLevelDebug))
	assert.False(t, logger.levelEnabled(LogLevelInfo))
	assert.True(t, logger.levelEnabled(LogLevelWarn))
	assert.True(t, logger.levelEnabled(LogLevelError))
}

func TestStandardLogger_WithMergesFields(t *testing.T) {
	base := &StandardLogger{prefix: "test", level: LogLevelInfo}

	child := base.With(map[string]interface{}{"a": 1}).(*StandardLogger)
	grandchild := child.With(map[string]interface{}{"b": 2}).(*StandardLogger)

	assert.Equal(t, map[string]interface{}{"a": 1}, child.fields)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, grandchild.fields)
	// The parent is untouched
	assert.Empty(t, base.fields)
}

func TestStandardLogger_WithPrefixKeepsLevel(t *testing.T) {
	logger := &StandardLogger{prefix: "root", level: LogLevelDebug}

	child := logger.WithPrefix("child").(*StandardLogger)
	assert.Equal(t, "child", child.prefix)
	assert.Equal(t, LogLevelDebug, child.level)
}
