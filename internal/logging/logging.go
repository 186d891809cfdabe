package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logFile   *lumberjack.Logger
	logDir    string
	isFileLog bool
)

// Init initializes logging. If toFile is true, logs go to a rotating file
// under ~/.simplellm/logs instead of stderr so they cannot corrupt a TUI or
// an MCP stdio stream.
func Init(toFile bool) error {
	if !toFile {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.Ltime | log.Lshortfile)
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return InitDir(filepath.Join(homeDir, ".simplellm", "logs"))
}

// InitDir sends log output to simplellm.log in dir.
func InitDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	Close()

	logDir = dir
	logFile = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "simplellm.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}

	log.SetOutput(logFile)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	isFileLog = true

	log.Printf("=== SimpleLLM session started ===")
	return nil
}

// Close closes the log file if one is open and restores stderr output.
func Close() {
	if logFile != nil {
		log.Printf("=== SimpleLLM session ended ===")
		log.SetOutput(os.Stderr)
		logFile.Close()
		logFile = nil
		isFileLog = false
	}
}

// Discard sets log output to discard all messages.
func Discard() {
	log.SetOutput(io.Discard)
}

// GetLogDir returns the directory where logs are stored.
func GetLogDir() string {
	return logDir
}

// IsFileLogging returns true if logging is going to a file.
func IsFileLogging() bool {
	return isFileLog
}

// GetLogFilePath returns the active log file, or "" when logging to stderr.
func GetLogFilePath() string {
	if logFile == nil {
		return ""
	}
	return logFile.Filename
}
