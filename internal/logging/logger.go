// Package logging defines the Logger capability consumed throughout the
// recorder and provides a default adapter onto zap with a logfmt encoder,
// matching the logging stack the teacher repository wires into its own
// command-line tools.
package logging

import (
	"os"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the diagnostic-logging capability the recorder depends on.
// Calls never return an error and never panic; a Logger implementation that
// fails to log must swallow the failure.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewZapLogfmt returns a Logger backed by zap with a logfmt encoder writing
// to stdout, the combination the teacher's own tempo-vulture command uses
// for its diagnostic output. When verbose is false, Debug calls are
// dropped.
func NewZapLogfmt(verbose bool) Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zaplogfmt.NewEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return &zapLogger{l: zap.New(core)}
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Debug(msg string, keyvals ...any) { z.l.Sugar().Debugw(msg, keyvals...) }
func (z *zapLogger) Info(msg string, keyvals ...any)  { z.l.Sugar().Infow(msg, keyvals...) }
func (z *zapLogger) Warn(msg string, keyvals ...any)  { z.l.Sugar().Warnw(msg, keyvals...) }
func (z *zapLogger) Error(msg string, keyvals ...any) { z.l.Sugar().Errorw(msg, keyvals...) }
