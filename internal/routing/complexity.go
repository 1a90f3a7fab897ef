package routing

import "github.com/basket/hopper/internal/persistence"

// Complexity scores a task's shape on a 1..5 scale. Scope behaviors use it
// to decide whether a task is heavy enough to hand to an orchestration
// child.
func Complexity(t *persistence.Task) int {
	score := 1
	if len(t.Description) > 500 {
		score++
	}
	if len(t.Tags) > 3 {
		score++
	}
	if len(t.Dependencies) > 0 {
		score++
	}
	if t.Priority == persistence.PriorityHigh || t.Priority == persistence.PriorityUrgent {
		score++
	}
	if score > 5 {
		score = 5
	}
	return score
}
