package redis

// Redis key naming conventions for replication data.
// All keys are prefixed with "replica:" to avoid collisions.

const keyPrefix = "replica:"

// ── Worker keys ──

// workerKey returns the key for a worker record: replica:worker:{id}
func workerKey(workerID string) string { return keyPrefix + "worker:" + workerID }

// workerIDsKey is the Set tracking all worker ids for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// ── Command keys ──

// commandKey returns the key for a command record: replica:command:{id}
func commandKey(commandID string) string { return keyPrefix + "command:" + commandID }

// pendingCommandsKey returns the Sorted Set of pending command ids for a
// worker: replica:pending_commands:{workerID}
func pendingCommandsKey(workerID string) string {
	return keyPrefix + "pending_commands:" + workerID
}

// ── Event keys ──

// eventKey returns the key for an event record: replica:event:{eventID}
func eventKey(eventID string) string { return keyPrefix + "event:" + eventID }

// eventStreamKey is the Sorted Set of event ids scored by stream id.
const eventStreamKey = keyPrefix + "event_stream"

// streamSeqKey is the counter backing the strictly increasing stream id.
const streamSeqKey = keyPrefix + "stream_seq"

// rowSeqKey is the counter backing synthetic row ids.
const rowSeqKey = keyPrefix + "row_seq"

// ── Position keys ──

// positionsKey returns the Hash of stream name to position record for a
// worker: replica:positions:{workerID}
func positionsKey(workerID string) string { return keyPrefix + "positions:" + workerID }

// ── Task keys ──

// taskKey returns the key for a task record: replica:task:{id}
func taskKey(taskID string) string { return keyPrefix + "task:" + taskID }

// taskClaimKey returns the claim marker for a task: replica:task_claim:{id}
func taskClaimKey(taskID string) string { return keyPrefix + "task_claim:" + taskID }

// pendingTasksKey is the Sorted Set of pending task ids.
const pendingTasksKey = keyPrefix + "pending_tasks"

// taskIDsKey is the Set tracking all task ids for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// ── Load stats and connection keys ──

// loadStatsKey returns the List of recent load samples for a worker:
// replica:load_stats:{workerID}
func loadStatsKey(workerID string) string { return keyPrefix + "load_stats:" + workerID }

// connectionKey returns the key for a connection record:
// replica:connection:{source}:{target}
func connectionKey(sourceWorkerID, targetWorkerID string) string {
	return keyPrefix + "connection:" + sourceWorkerID + ":" + targetWorkerID
}
