package progress

import (
	"context"
	"log/slog"

	"checkq/internal/queue"
)

// LogReporter writes status reports to the process log. It stands in for
// the chat front-end when none is wired up.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Edit(ctx context.Context, target queue.ReportTarget, text string) error {
	r.Logger.Info("Progress report", "chat_id", target.ChatID, "message_id", target.MessageID, "text", text)
	return nil
}

func (r LogReporter) Send(ctx context.Context, target queue.ReportTarget, text string) error {
	r.Logger.Info("Summary report", "chat_id", target.ChatID, "text", text)
	return nil
}
