package task

import (
	"fmt"

	"fluxreve-server/internal/domain"
)

// GateResults decides which asset URLs a viewer may see. Paying owners get
// the original provider URLs; everyone else, and every public surface, gets
// the watermarked asset route instead. The slice is copied, never mutated.
func GateResults(taskID string, results []domain.TaskResult, viewerPlan domain.UserPlan, ownerView bool) []domain.TaskResult {
	if len(results) == 0 {
		return nil
	}
	if ownerView && viewerPlan.Paying() {
		out := make([]domain.TaskResult, len(results))
		copy(out, results)
		return out
	}
	out := make([]domain.TaskResult, len(results))
	for i, r := range results {
		out[i] = domain.TaskResult{
			URL:  fmt.Sprintf("/v1/assets/watermarked/%s/%d", taskID, i),
			Type: r.Type,
		}
	}
	return out
}
