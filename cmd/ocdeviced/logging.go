package main

import (
	"log/slog"
	"os"

	oclog "github.com/ocfcore/ocsession/pkg/log"
)

// setupLogging builds the protocol event logger for level and, if
// protocolLogFile is non-empty, fans events out to a CBOR file as well
// as the console.
func setupLogging(level, protocolLogFile string) (oclog.Logger, *oclog.FileLogger, error) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(level)})
	console := oclog.NewSlogAdapter(slog.New(handler))

	if protocolLogFile == "" {
		return console, nil, nil
	}

	fileLogger, err := oclog.NewFileLogger(protocolLogFile)
	if err != nil {
		return nil, nil, err
	}
	return oclog.NewMultiLogger(console, fileLogger), fileLogger, nil
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
