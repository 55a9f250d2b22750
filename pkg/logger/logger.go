package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string like "debug" or "WARN" to a LogLevel.
// Unknown values return INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

type state struct {
	mu        sync.RWMutex
	level     zap.AtomicLevel
	console   zapcore.Core
	file      zapcore.Core
	fileSink  *lumberjack.Logger
	logger    *zap.Logger
	currLevel LogLevel
}

var std = newState()

func newState() *state {
	s := &state{
		level:     zap.NewAtomicLevelAt(zapcore.InfoLevel),
		currLevel: INFO,
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	s.console = zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), s.level)
	s.rebuild()
	return s
}

func (s *state) rebuild() {
	core := s.console
	if s.file != nil {
		core = zapcore.NewTee(s.console, s.file)
	}
	s.logger = zap.New(core)
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func SetLevel(level LogLevel) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.currLevel = level
	std.level.SetLevel(toZapLevel(level))
}

func GetLevel() LogLevel {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.currLevel
}

// EnableFileLogging tees structured JSON output into a rotated file.
func EnableFileLogging(path string, maxSizeMB, maxBackups, maxAgeDays int) error {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.fileSink != nil {
		_ = std.fileSink.Close()
	}
	std.fileSink = sink
	std.file = zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), std.level)
	std.rebuild()
	return nil
}

func DisableFileLogging() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.fileSink != nil {
		_ = std.fileSink.Close()
	}
	std.fileSink = nil
	std.file = nil
	std.rebuild()
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	std.mu.RLock()
	lg := std.logger
	std.mu.RUnlock()
	_ = lg.Sync()
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	std.mu.RLock()
	lg := std.logger
	std.mu.RUnlock()

	zl := toZapLevel(level)
	if !lg.Core().Enabled(zl) {
		return
	}

	zfields := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zfields = append(zfields, zap.String("component", component))
	}

	// stable field order keeps console output diffable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	switch level {
	case DEBUG:
		lg.Debug(message, zfields...)
	case INFO:
		lg.Info(message, zfields...)
	case WARN:
		lg.Warn(message, zfields...)
	case ERROR:
		lg.Error(message, zfields...)
	case FATAL:
		lg.Fatal(message, zfields...)
	}
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]interface{}) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, fields map[string]interface{}) {
	logMessage(WARN, "", message, fields)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, fields map[string]interface{}) {
	logMessage(ERROR, "", message, fields)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component string, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
