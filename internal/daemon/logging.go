package daemon

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// SetupLogging installs the process logger: a console writer on stderr,
// or a size-rotated file when logging.file is set. The returned closer
// flushes the file writer.
func SetupLogging(cfg LoggingConfig) io.Closer {
	level := log.ParseLevel(cfg.Level)

	if cfg.File == "" {
		log.DefaultLogger = log.Logger{
			Level:      level,
			TimeFormat: "15:04:05",
			Writer: &log.ConsoleWriter{
				Writer:         os.Stderr,
				ColorOutput:    true,
				EndWithMessage: true,
			},
		}
		return nopCloser{}
	}

	fw := &log.FileWriter{
		Filename:     cfg.File,
		MaxSize:      int64(max(cfg.MaxSizeMB, 1)) << 20,
		MaxBackups:   max(cfg.MaxFiles, 1),
		EnsureFolder: true,
		LocalTime:    true,
	}
	log.DefaultLogger = log.Logger{
		Level:  level,
		Writer: fw,
	}
	return fw
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
