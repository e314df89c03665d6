package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nexusio/nexus/formatter"
)

// ConsoleLog is the log path value that keeps output on stderr
const ConsoleLog = "console"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitLog builds a logger with the given level and output path.
// The returned closer releases the log file and must be called by the owner on shutdown.
func InitLog(logLevel string, logPath string) (*log.Logger, io.Closer, error) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}

	logger := log.New()
	logger.SetOutput(os.Stderr)
	var closer io.Closer = nopCloser{}

	if logPath != "" && logPath != ConsoleLog {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		logger.SetOutput(io.Writer(lumberjackLogger))
		closer = lumberjackLogger
	}

	formatter.SetTextFormatter(logger)
	logger.SetLevel(level)
	return logger, closer, nil
}
