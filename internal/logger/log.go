// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const (
	ColorFlag     = "log-color"
	FileFlag      = "log-file"
	LevelsFlag    = "log-level"
	ColorFlagHelp = "Color setting for log terminal output"
	FileFlagHelp  = "Path to the log file."
	LevelsHelp    = "The minimum log level."

	ColorsPlaceholder = "(always|auto|never)"
	LevelsPlaceholder = "(panic|fatal|error|warn|info|debug|trace)"

	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"

	defaultLogFileLevel   = logrus.DebugLevel
	defaultStderrLogLevel = logrus.InfoLevel
)

var (
	// Log is the shared logger instance for the whole tool.
	Log *logrus.Logger

	stderrHook *writerHook
	fileHook   *writerHook

	levelNames = []string{"panic", "fatal", "error", "warn", "info", "debug", "trace"}
	colorNames = []string{ColorAlways, ColorAuto, ColorNever}
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

func Levels() []string {
	return levelNames
}

func Colors() []string {
	return colorNames
}

// InitStderrLog installs a logger that writes only to stderr.
func InitStderrLog() {
	initLogger()
	stderrHook = newWriterHook(os.Stderr, defaultStderrLogLevel, useColor(ColorAuto, os.Stderr))
	Log.AddHook(stderrHook)
}

// InitBestEffort sets up the stderr and optional file logs.
// Failures to open the log file are reported on stderr but are not fatal.
func InitBestEffort(flags *LogFlags) {
	colorMode := ColorAuto
	level := ""
	logFile := ""
	if flags != nil {
		colorMode = valueOrDefault(flags.LogColor, ColorAuto)
		level = valueOrDefault(flags.LogLevel, "")
		logFile = valueOrDefault(flags.LogFile, "")
	}

	initLogger()
	stderrHook = newWriterHook(os.Stderr, defaultStderrLogLevel, useColor(colorMode, os.Stderr))
	Log.AddHook(stderrHook)

	if level != "" {
		err := SetStderrLogLevel(level)
		if err != nil {
			Log.Warnf("%v", err)
		}
	}

	if logFile != "" {
		err := initFileLog(logFile)
		if err != nil {
			Log.Warnf("Failed to open log file (%s):\n%v", logFile, err)
		}
	}
}

func SetStderrLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s):\n%w", level, err)
	}

	if stderrHook == nil {
		return fmt.Errorf("stderr log is not initialized")
	}

	stderrHook.setLevel(parsed)
	return nil
}

// LevelsString returns the supported log levels in the format used by CLI help text.
func LevelsString() string {
	return strings.Join(levelNames, ", ")
}

func initLogger() {
	Log = logrus.New()
	Log.SetOutput(io.Discard)
	Log.SetLevel(logrus.TraceLevel)
	Log.ReportCaller = false
}

func initFileLog(path string) error {
	err := os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	fileHook = newWriterHook(logFile, defaultLogFileLevel, false)
	Log.AddHook(fileHook)
	return nil
}

func useColor(mode string, out *os.File) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		// fatih/color already checks NO_COLOR and whether stderr is a terminal.
		return !color.NoColor && out == os.Stderr
	}
}

func valueOrDefault(value *string, def string) string {
	if value == nil || *value == "" {
		return def
	}
	return *value
}
