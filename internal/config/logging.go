package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Output returns where logs go: a rotating file when File is set, stderr
// otherwise. The returned closer is a no-op for stderr.
func (l LogConfig) Output() (io.Writer, func() error) {
	if l.File == "" {
		return os.Stderr, func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   true,
	}
	return rotator, rotator.Close
}

// Logger returns a logger for component writing to w.
func Logger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
