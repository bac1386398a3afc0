package batch

import (
	"errors"
	"fmt"
	"strconv"

	"lessonforge/internal/classifier"
	"lessonforge/internal/operations"
)

// Batch statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

var (
	// ErrBatchNotFound is returned for unknown batch IDs
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchExists is returned when a batch ID is reused
	ErrBatchExists = errors.New("batch already exists")
	// ErrItemRunning is returned when retrying an item that is still running
	ErrItemRunning = errors.New("task is running")
	// ErrBatchBusy is returned when a retry finds every task slot taken
	ErrBatchBusy = errors.New("batch has no free task slot")
)

// Request starts a batch over the inclusive range [Start, End].
type Request struct {
	BatchID     string
	Start       int
	End         int
	Concurrency int
	Payload     string
	// Snapshot carries the template choice and output path hint.
	Snapshot operations.Snapshot
}

// Total returns the number of tasks in the range
func (r Request) Total() int {
	return r.End - r.Start + 1
}

// ItemKey is the staging key of one task's content
func ItemKey(batchID string, taskNumber int) string {
	return batchID + "/" + strconv.Itoa(taskNumber)
}

// TaskTitle names a task in prompts and file names
func TaskTitle(taskNumber int) string {
	return fmt.Sprintf("Lesson %03d", taskNumber)
}

// Batch stream payloads

type BatchStartEvent struct {
	BatchID     string `json:"batchId"`
	TotalTasks  int    `json:"totalTasks"`
	Concurrency int    `json:"concurrency"`
}

type TaskStartEvent struct {
	TaskNumber int `json:"taskNumber"`
}

type TaskProgressEvent struct {
	TaskNumber int    `json:"taskNumber"`
	Chars      int    `json:"chars"`
	Message    string `json:"message,omitempty"`
}

type TaskCompleteEvent struct {
	TaskNumber int    `json:"taskNumber"`
	Chars      int    `json:"chars"`
	Filename   string `json:"filename,omitempty"`
	URL        string `json:"url,omitempty"`
	Truncated  bool   `json:"truncated"`
	Key        string `json:"key"`
}

type TaskErrorEvent struct {
	TaskNumber int                         `json:"taskNumber"`
	Error      classifier.StructuredError `json:"error"`
}

type BatchCompleteEvent struct {
	BatchID   string `json:"batchId"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Stopped   bool   `json:"stopped"`
}
