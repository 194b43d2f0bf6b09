package logger

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"customvision/internal/config"
)

// Logger provides leveled logging (info/warning/error) to rotated files and stdout/stderr.
type Logger struct {
	infoLog    *zap.SugaredLogger
	warningLog *zap.SugaredLogger
	errorLog   *zap.SugaredLogger
	logDir     string
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(config *config.Config) *Logger {
	if err := os.MkdirAll(config.LogDirectory, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	logger := &Logger{
		logDir: config.LogDirectory,
	}

	logger.setupLoggers()
	return logger
}

// NewNop returns a Logger that discards everything. Used by tests and tools.
func NewNop() *Logger {
	nop := zap.NewNop().Sugar()
	return &Logger{infoLog: nop, warningLog: nop, errorLog: nop}
}

// setupLoggers initializes writers and per-level loggers.
func (l *Logger) setupLoggers() {
	l.infoLog = l.newLevelLogger("info.log", os.Stdout, zapcore.InfoLevel)
	l.warningLog = l.newLevelLogger("warning.log", os.Stdout, zapcore.WarnLevel)
	l.errorLog = l.newLevelLogger("error.log", os.Stderr, zapcore.ErrorLevel)
}

func (l *Logger) newLevelLogger(fileName string, console io.Writer, level zapcore.Level) *zap.SugaredLogger {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(l.logDir, fileName),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(zapcore.AddSync(console), zapcore.AddSync(file)),
		level,
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.infoLog.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.warningLog.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.errorLog.Errorf(format, v...)
}

// Sync flushes buffered entries of every level.
func (l *Logger) Sync() {
	_ = l.infoLog.Sync()
	_ = l.warningLog.Sync()
	_ = l.errorLog.Sync()
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) {
	if l.logDir == "" {
		return
	}
	filePath := filepath.Join(l.logDir, filepath.Base(fileName))
	if err := os.Truncate(filePath, 0); err != nil {
		l.Error("Error truncating log file %s: %v", fileName, err)
		return
	}

	l.Info("File content of %s has been cleared.", fileName)
}
