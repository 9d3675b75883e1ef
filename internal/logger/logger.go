// Package logger holds the process-wide logrus logger and the security event channel.
package logger

import (
	"fmt"
	"io"
	"os"

	golog "github.com/ipfs/go-log"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"guardian-node/internal/config"
)

// Log is the global logger instance.
var Log = logrus.New()

// InitLogger applies level, format and output from cfg to Log.
func InitLogger(cfg config.LoggerConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	Log.SetLevel(level)

	// tss-lib logs through ipfs go-log; keep it in step
	if err := golog.SetLogLevel("tss-lib", goLogLevel(level)); err != nil {
		Log.Debugf("tss-lib logger not registered: %v", err)
	}

	switch cfg.Format {
	case "json":
		Log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	Log.SetOutput(output(cfg))
	return nil
}

// output writes to stdout, and also to a rotated file when one is configured.
func output(cfg config.LoggerConfig) io.Writer {
	if cfg.FilePath == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

func goLogLevel(l logrus.Level) string {
	switch l {
	case logrus.TraceLevel, logrus.DebugLevel:
		return "debug"
	case logrus.InfoLevel:
		return "info"
	case logrus.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}

// Security event kinds.
const (
	EventNonceReuse        = "nonce_reuse"
	EventEmergencyActivate = "emergency_recovery_activated"
	EventEmergencyCancel   = "emergency_recovery_cancelled"
	EventKeyReconstructed  = "key_reconstructed"
)

// SecurityEvent logs an incident at error level, tagged so it can be told apart from ordinary
// failures. Fields must never carry secret material.
func SecurityEvent(kind string, fields logrus.Fields) {
	Log.WithFields(fields).WithField("security_event", kind).Error("security event")
}
