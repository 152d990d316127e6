package logging

import (
	"log/slog"
	"os"
)

func Init(processID string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler).With("process_id", processID)
	slog.SetDefault(logger)
	return logger
}
