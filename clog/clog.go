// Package clog is Crow's structured logging wrapper: a thin shim over
// zap with optional rotating file output via lumberjack, grounded on
// flog/logger.go's Options/New shape (simplified to the single
// console+file sink Crow's processes actually need — no teeing across
// multiple named destinations).
package clog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Options configures a Logger. The zero value logs JSON to stdout at
// info level.
type Options struct {
	Level Level

	// Console, if true, writes to stdout in addition to Filename.
	Console bool

	// Filename, if non-empty, writes rotated JSON logs via lumberjack.
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Logger struct {
	l *zap.Logger
}

// New builds a Logger from opt. Console defaults to true when Filename
// is empty, so a Logger always has somewhere to write.
func New(opt Options) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05"))
	}

	al := zap.NewAtomicLevelAt(opt.Level)
	var cores []zapcore.Core

	if opt.Filename != "" {
		syncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSizeMB,
			MaxBackups: opt.MaxBackups,
			MaxAge:     opt.MaxAgeDays,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), syncer, al))
	}
	if opt.Console || opt.Filename == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), al))
	}

	return &Logger{l: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))}
}

type Field = zap.Field

func (l *Logger) Debug(msg string, fields ...Field) { l.l.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.l.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.l.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.l.Error(msg, fields...) }

// With returns a child Logger with the given fields attached to every
// subsequent entry — used to stamp a service-id or registrar address
// onto every log line from one join/registrar instance.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{l: l.l.With(fields...)}
}

func (l *Logger) Sync() error { return l.l.Sync() }

func (l *Logger) Zap() *zap.Logger { return l.l }

var std = New(Options{Console: true, Level: InfoLevel})

func Default() *Logger           { return std }
func ReplaceDefault(l *Logger)   { std = l }
func Debug(msg string, f ...Field) { std.Debug(msg, f...) }
func Info(msg string, f ...Field)  { std.Info(msg, f...) }
func Warn(msg string, f ...Field)  { std.Warn(msg, f...) }
func Error(msg string, f ...Field) { std.Error(msg, f...) }
