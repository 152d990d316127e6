package web

import (
	"net/http"
	"strings"

	"checkq/internal/events"
)

type eventFilter struct {
	batchID  string
	workerID string
	taskID   string
	level    string
}

func parseEventFilter(r *http.Request) eventFilter {
	query := r.URL.Query()
	return eventFilter{
		batchID:  strings.TrimSpace(query.Get("batch_id")),
		workerID: strings.TrimSpace(query.Get("worker_id")),
		taskID:   strings.TrimSpace(query.Get("task_id")),
		level:    strings.TrimSpace(query.Get("level")),
	}
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.batchID != "" && event.BatchID != f.batchID {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	if f.taskID != "" && event.TaskID != f.taskID {
		return false
	}
	if f.level != "" && !strings.EqualFold(event.Level, f.level) {
		return false
	}
	return true
}
