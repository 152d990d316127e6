package queue

import (
	"encoding/json"
	"time"
)

// Status classifies a finished check.
type Status string

const (
	StatusValid   Status = "VALID"
	StatusInvalid Status = "INVALID"
	StatusBlocked Status = "BLOCKED"
	StatusError   Status = "ERROR"
)

// Statuses lists every outcome a result can carry, in reporting order.
var Statuses = []Status{StatusValid, StatusInvalid, StatusBlocked, StatusError}

// DedupStatuses are the outcomes that suppress a recheck. ERROR is excluded
// so a credential that only ever errored can be submitted again.
var DedupStatuses = []Status{StatusValid, StatusInvalid, StatusBlocked}

// Credential is one username/password pair submitted for checking.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Task is the unit of work pushed onto the shared queue. The proxy is
// assigned at enqueue time from the healthy rotation.
type Task struct {
	TaskID     string    `json:"task_id"`
	BatchID    string    `json:"batch_id"`
	Username   string    `json:"username"`
	Password   string    `json:"password"`
	ProxyID    string    `json:"proxy_id"`
	ProxyURL   string    `json:"proxy_url"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t *Task) Marshal() (string, error) {
	data, err := json.Marshal(t)
	return string(data), err
}

func UnmarshalTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReportTarget identifies where batch status updates are delivered: the
// chat that submitted the batch and the message being edited in place.
type ReportTarget struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// EnqueueResult is the aggregate outcome of a batch submission.
// Queued+Cached always equals the number of submitted credentials.
type EnqueueResult struct {
	Queued int `json:"queued"`
	Cached int `json:"cached"`
}

// QueueStats is a read-only snapshot of queue depths.
type QueueStats struct {
	MainQueue  int64 `json:"main_queue"`
	RetryQueue int64 `json:"retry_queue"`
	Total      int64 `json:"total"`
}
