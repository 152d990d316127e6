package store

import "fmt"

// Key namespace shared by every process. All cross-component state lives
// under these keys; nothing coordination-relevant is held in process memory.
const (
	KeyMainQueue            = "queue:tasks"
	KeyRetryQueue           = "queue:retry"
	KeyProxyCursor          = "proxy:cursor"
	KeyCoordinatorHeartbeat = "coordinator:heartbeat"
	KeyWorkerRegistry       = "workers:registered"
	KeyInflight             = "tasks:inflight"

	PatternPendingForwards = "forward:pending:*"
	PatternProxyHealth     = "proxy:*:health"
	PatternProgress        = "progress:*"
)

func ProgressKey(batchID string) string        { return "progress:" + batchID }
func ProgressCountKey(batchID string) string   { return "progress:" + batchID + ":count" }
func ProxyHealthKey(proxyID string) string     { return fmt.Sprintf("proxy:%s:health", proxyID) }
func WorkerHeartbeatKey(workerID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", workerID)
}
func LeaseKey(taskID string) string            { return "job:" + taskID }
func PendingForwardKey(code string) string     { return "forward:pending:" + code }
func DedupKey(status, identity string) string  { return fmt.Sprintf("proc:%s:%s", status, identity) }
func ResultListKey(batchID, status string) string {
	return fmt.Sprintf("result:%s:%s", batchID, status)
}
func ReportStampKey(batchID string) string { return "progress:" + batchID + ":reported_at" }
