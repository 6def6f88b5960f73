package logging

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		" warn ":  logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
	assert.Error(t, InitLoggers("verbose"))
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &tkvLogger{name: "birch", level: logger.INFO, logger: log.New(&buf, "", 0)}

	l.Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Infof("created index %s", "users")
	assert.Equal(t, "INFO  | birch           | created index users\n", buf.String())

	buf.Reset()
	l.SetLevel(logger.ERROR)
	l.Warningf("hidden")
	l.Errorf("failed: %v", "boom")
	assert.Equal(t, "ERROR | birch           | failed: boom\n", buf.String())

	assert.Panics(t, func() { l.Panicf("fatal") })
}

func TestCreateLoggerUsesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	l := CreateLogger("exec")
	l.Infof("not shown at the default level")
	l.Warningf("shown")
	assert.Contains(t, buf.String(), "WARN  | exec            | shown")
	assert.NotContains(t, buf.String(), "not shown")
}
