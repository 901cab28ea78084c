// Package logging builds the structured zap logger shared by every relay component.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentries/saltwire/internal/config"
)

// New builds a *zap.Logger from the logging section of Config. Format "json"
// produces one JSON object per line (level, timestamp, message, caller, plus
// whatever fields the caller passes, such as RequestFields); format "text"
// produces the human-readable console encoding, intended for local
// development only. No error-code field is added by the logger.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "text":
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink, closeOut, err := zap.Open(outputPaths(cfg.Output)...)
	if err != nil {
		return nil, err
	}
	_ = closeOut

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

func outputPaths(output string) []string {
	switch output {
	case "", "stdout":
		return []string{"stdout"}
	case "stderr":
		return []string{"stderr"}
	default:
		return []string{output}
	}
}

// RequestFields returns the zap fields every HTTP access log line carries:
// request id, method, path, and status. The httpapi access-log middleware
// appends the request duration; no principal or error code is logged.
func RequestFields(requestID, method, path string, status int) []zap.Field {
	return []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
	}
}
