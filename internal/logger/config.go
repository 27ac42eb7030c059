package logger

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Logger. The zero value logs JSON at info level to stdout.
type Options struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	ServiceName string

	// Output replaces stdout and File entirely; tests use it to capture lines.
	Output io.Writer

	// File, when set, receives every line through a rotating writer.
	File       string
	FileOnly   bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// sink resolves where lines go. The closer is non-nil when a file is open.
func (o Options) sink() (io.Writer, io.Closer) {
	if o.Output != nil {
		return o.Output, nil
	}
	if o.File == "" {
		return os.Stdout, nil
	}

	file := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}
	if o.FileOnly {
		return file, file
	}
	return io.MultiWriter(os.Stdout, file), file
}
