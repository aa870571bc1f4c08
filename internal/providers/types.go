// Package providers holds the outbound integrations with generation
// backends: job submission, webhook payload normalization, and content
// moderation.
package providers

import (
	"context"

	"fluxreve-server/internal/domain"
)

// Submitter dispatches a generation job to a provider endpoint. The returned
// id is the provider-side job identifier recorded on the task.
type Submitter interface {
	Submit(ctx context.Context, endpoint string, payload map[string]any, webhookURL string) (string, error)
}

// WebhookEvent is the provider-agnostic shape of a status callback.
type WebhookEvent struct {
	Status  domain.TaskStatus
	Outputs []string
	Error   string
}

// NSFWResult is the outcome of a moderation check.
type NSFWResult struct {
	IsNSFW  bool
	Details []byte // raw category flags as returned by the moderator
}

// Moderator classifies generated images for unsafe content.
type Moderator interface {
	CheckImage(ctx context.Context, imageURL string) (*NSFWResult, error)
}
