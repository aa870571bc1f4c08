package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"fluxreve-server/internal/domain"
)

type wavespeedWebhook struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Outputs []string `json:"outputs"`
	Error   string   `json:"error"`
}

type falWebhook struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Images    []struct {
		URL string `json:"url"`
	} `json:"images"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ParseWebhook normalizes a raw provider callback body into a WebhookEvent.
// Unknown providers fall back to the wavespeed format.
func ParseWebhook(provider string, body []byte) (*WebhookEvent, error) {
	switch strings.ToLower(provider) {
	case "fal":
		return parseFalWebhook(body)
	default:
		return parseWavespeedWebhook(body)
	}
}

func parseWavespeedWebhook(body []byte) (*WebhookEvent, error) {
	var payload wavespeedWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", domain.ErrValidation, err)
	}
	status, ok := map[string]domain.TaskStatus{
		"pending":    domain.TaskStatusPending,
		"processing": domain.TaskStatusProcessing,
		"completed":  domain.TaskStatusCompleted,
		"failed":     domain.TaskStatusFailed,
	}[payload.Status]
	if !ok {
		status = domain.TaskStatusPending
	}
	return &WebhookEvent{Status: status, Outputs: payload.Outputs, Error: payload.Error}, nil
}

func parseFalWebhook(body []byte) (*WebhookEvent, error) {
	var payload falWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", domain.ErrValidation, err)
	}
	status, ok := map[string]domain.TaskStatus{
		"IN_QUEUE":    domain.TaskStatusPending,
		"IN_PROGRESS": domain.TaskStatusProcessing,
		"COMPLETED":   domain.TaskStatusCompleted,
		"FAILED":      domain.TaskStatusFailed,
	}[payload.Status]
	if !ok {
		status = domain.TaskStatusPending
	}
	event := &WebhookEvent{Status: status}
	for _, img := range payload.Images {
		if img.URL != "" {
			event.Outputs = append(event.Outputs, img.URL)
		}
	}
	if payload.Error != nil {
		event.Error = payload.Error.Message
	}
	return event, nil
}
