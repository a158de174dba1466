package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// rotated is the file writer opened by the last New call, closed by Sync.
var (
	rotated   io.Closer
	rotatedMu sync.Mutex
)

// Logger wraps logrus.Entry so request-scoped fields travel with it through
// context.
type Logger struct {
	*logrus.Entry
}

// Options configures a Logger. The zero value logs JSON at info level to
// stdout.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, text
	Service string

	// Output overrides stdout and Rotate when set.
	Output io.Writer

	// Rotate adds a size-rotated log file next to stdout.
	Rotate *RotateOptions
	// FileOnly drops stdout when Rotate is set.
	FileOnly bool
}

// RotateOptions are passed through to lumberjack.
type RotateOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a Logger from opts.
func New(opts Options) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(true)
	log.SetFormatter(newFormatter(opts.Format))
	log.SetOutput(openOutput(opts))

	service := opts.Service
	if service == "" {
		service = "imagenary"
	}
	return &Logger{Entry: log.WithField("service", service)}
}

func openOutput(opts Options) io.Writer {
	if opts.Output != nil {
		return opts.Output
	}
	if opts.Rotate == nil || opts.Rotate.Path == "" {
		return os.Stdout
	}

	file := &lumberjack.Logger{
		Filename:   opts.Rotate.Path,
		MaxSize:    opts.Rotate.MaxSizeMB,
		MaxBackups: opts.Rotate.MaxBackups,
		MaxAge:     opts.Rotate.MaxAgeDays,
		Compress:   opts.Rotate.Compress,
	}
	rotatedMu.Lock()
	rotated = file
	rotatedMu.Unlock()

	if opts.FileOnly {
		return file
	}
	return io.MultiWriter(os.Stdout, file)
}

// NewDefault creates the service logger from LOG_* environment variables.
func NewDefault() *Logger {
	return New(OptionsFromEnv("imagenary"))
}

// Sync closes the rotated log file, if any. Call it before exit.
func Sync() error {
	rotatedMu.Lock()
	defer rotatedMu.Unlock()
	if rotated == nil {
		return nil
	}
	err := rotated.Close()
	rotated = nil
	return err
}

// WithFields returns a derived Logger carrying fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a derived Logger carrying one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a derived Logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

func newFormatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "text") {
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  timestampFormat,
			CallerPrettyfier: shortCaller,
		}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
		CallerPrettyfier: shortCaller,
	}
}

// shortCaller trims the caller to pkg.Func and file.go:line.
func shortCaller(frame *runtime.Frame) (string, string) {
	fn := frame.Function
	if i := strings.LastIndex(fn, "/"); i != -1 {
		fn = fn[i+1:]
	}
	return fn, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

// CtxDebug logs at Debug level with the context's fields.
func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

// CtxInfo logs at Info level with the context's fields.
func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// CtxWarn logs at Warn level with the context's fields.
func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// CtxError logs at Error level with the context's fields.
func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}
