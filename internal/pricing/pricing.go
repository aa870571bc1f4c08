// Package pricing maps (task type, model) pairs onto validation, credit
// pricing, and parameter normalization. The registry is a plain strategy map
// resolved once at startup; handlers never dispatch on model strings
// themselves.
package pricing

import (
	"fmt"
	"regexp"
	"strings"

	"fluxreve-server/internal/domain"
)

// DefaultCredits is the sentinel cost returned for model/task-type
// combinations the table does not know. Submission rejects unknown
// combinations before pricing, so the sentinel only guards callers that
// price without consulting the registry first.
const DefaultCredits = 88888888

var sizePattern = regexp.MustCompile(`^\d+\*\d+$`)

// Processed is the outcome of validating and normalizing a parameter bag.
type Processed struct {
	// Credits is the amount debited for the request.
	Credits int
	// ProviderParams is the payload forwarded to the provider endpoint.
	ProviderParams map[string]any
	// StoredParams is the normalized parameter object persisted on the task.
	StoredParams map[string]any
	// Description is a human-readable note attached to the quota debit.
	Description string
}

// ProcessFunc validates a raw parameter bag and produces the normalized
// request. It must not have side effects.
type ProcessFunc func(params map[string]any) (*Processed, error)

// ModelSpec describes one supported (task type, model) combination.
type ModelSpec struct {
	TaskType domain.TaskType
	Model    string
	Provider string
	// Endpoint is the provider-side route the request is submitted to.
	Endpoint string
	// Async marks models fulfilled through a webhook callback rather than
	// an inline response.
	Async bool
	// NSFWCheck marks models whose outputs go through content moderation
	// after completion.
	NSFWCheck bool
	Process   ProcessFunc
}

type registryKey struct {
	taskType domain.TaskType
	model    string
}

// Registry resolves model specs. Build it once with NewRegistry.
type Registry struct {
	specs map[registryKey]*ModelSpec
}

// NewRegistry builds the registry with every supported model wired in.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[registryKey]*ModelSpec)}
	for _, spec := range modelSpecs() {
		r.register(spec)
	}
	return r
}

func (r *Registry) register(spec *ModelSpec) {
	key := registryKey{taskType: spec.TaskType, model: spec.Model}
	if _, exists := r.specs[key]; exists {
		panic(fmt.Sprintf("pricing: duplicate model spec %s/%s", spec.TaskType, spec.Model))
	}
	r.specs[key] = spec
}

// Lookup returns the spec for the given combination, or false when the
// combination is not supported.
func (r *Registry) Lookup(taskType domain.TaskType, model string) (*ModelSpec, bool) {
	spec, ok := r.specs[registryKey{taskType: taskType, model: strings.TrimSpace(model)}]
	return spec, ok
}

// Models returns the model names registered for a task type.
func (r *Registry) Models(taskType domain.TaskType) []string {
	var out []string
	for key := range r.specs {
		if key.taskType == taskType {
			out = append(out, key.model)
		}
	}
	return out
}

// RequiredCredits prices a combination without validating it. Unknown
// combinations cost the prohibitive default rather than zero.
func (r *Registry) RequiredCredits(taskType domain.TaskType, model string, params map[string]any) int {
	spec, ok := r.Lookup(taskType, model)
	if !ok {
		return DefaultCredits
	}
	processed, err := spec.Process(params)
	if err != nil {
		return DefaultCredits
	}
	return processed.Credits
}

// ---- parameter helpers ----

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func arrayParam(params map[string]any, key string) ([]any, bool, error) {
	v, present := params[key]
	if !present || v == nil {
		return nil, false, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, true, fmt.Errorf("%w: %s must be an array", domain.ErrValidation, key)
	}
	return arr, true, nil
}

func requirePrompt(params map[string]any) (string, error) {
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	return prompt, nil
}

func requireSize(params map[string]any) (string, error) {
	size := stringParam(params, "size")
	if size == "" {
		return "", fmt.Errorf("%w: size is required", domain.ErrValidation)
	}
	if !sizePattern.MatchString(size) {
		return "", fmt.Errorf(`%w: invalid size format, expected "width*height"`, domain.ErrValidation)
	}
	return size, nil
}

func requireImages(params map[string]any) ([]any, error) {
	images, present, err := arrayParam(params, "images")
	if err != nil {
		return nil, err
	}
	if !present || len(images) == 0 {
		return nil, fmt.Errorf("%w: images is required", domain.ErrValidation)
	}
	for _, img := range images {
		url, ok := img.(string)
		if !ok || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("%w: images must contain non-empty URLs", domain.ErrValidation)
		}
	}
	return images, nil
}

func enumParam(params map[string]any, key, fallback string, allowed ...string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return fallback, nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be one of %s", domain.ErrValidation, key, strings.Join(allowed, ", "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
