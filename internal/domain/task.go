package domain

import (
	"encoding/json"
	"time"
)

// TaskType enumerates supported generation task categories.
type TaskType string

const (
	TaskTypeTextToImage   TaskType = "text-to-image"
	TaskTypeImageToImage  TaskType = "image-to-image"
	TaskTypeImageUpscaler TaskType = "image-upscaler"
)

// TaskStatus enumerates task lifecycle states. Transitions only move
// forward: pending -> processing -> completed | failed.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskResult is one produced asset reference.
type TaskResult struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Task represents one generation request submitted to an AI provider.
type Task struct {
	ID                string
	ShareID           string
	UserID            string
	Type              TaskType
	Provider          string
	ProviderRequestID string
	Model             string
	Status            TaskStatus
	Progress          int
	Parameters        json.RawMessage
	Results           []TaskResult
	ConsumeTxID       string
	RefundTxID        string
	ErrorMessage      string
	IsPrivate         bool
	IsNSFW            *bool
	NSFWDetails       json.RawMessage
	ViewCount         int
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMs        *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// TaskView is an append-only record of one public view of a task.
// At most one record exists per (task, ip) pair.
type TaskView struct {
	TaskID    string
	IPAddress string
	UserID    string
	UserAgent string
	Country   string
	CreatedAt time.Time
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Statuses  []TaskStatus
	TaskTypes []TaskType
	Models    []string
	Limit     int
	Offset    int
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks []Task
	Total int
}
