package task

type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusComplete    Status = "complete"
	StatusNeedsReview Status = "needs_review"
)

// Task is one checklist entry. Tasks are created by the operator in the
// checklist file and only ever marked, never deleted, by the workflow.
type Task struct {
	Description string
	Status      Status
}
