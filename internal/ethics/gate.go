// Package ethics provides the pre-execution approval check consulted before
// a task is dispatched.
package ethics

import "context"

// Stage identifies when a review happens relative to execution.
type Stage string

const (
	StagePreExecution  Stage = "Pre-Execution"
	StagePostExecution Stage = "Post-Execution"
)

// Scores reported by the reference policy.
const (
	ApprovedScore = 0.95
	RejectedScore = 0.1
)

// Feedback strings reported by the reference policy.
const (
	FeedbackApproved = "Approved."
	FeedbackRejected = "Rejected due to safety concerns"
)

// ReviewRequest is the input of a review.
type ReviewRequest struct {
	TaskID  string
	Context string
	Stage   Stage
}

// ReviewResult is the outcome of a review. A rejection is a normal result,
// not an error.
type ReviewResult struct {
	Approved bool     `json:"approved"`
	Score    float64  `json:"score"`
	Concerns []string `json:"concerns"`
	Feedback string   `json:"feedback"`
}

// Gate approves or rejects work. Implementations must be safe for
// concurrent use.
type Gate interface {
	Review(ctx context.Context, req ReviewRequest) ReviewResult
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, req ReviewRequest) ReviewResult

// Review calls f.
func (f GateFunc) Review(ctx context.Context, req ReviewRequest) ReviewResult {
	return f(ctx, req)
}

// Approve builds an approving result.
func Approve() ReviewResult {
	return ReviewResult{Approved: true, Score: ApprovedScore, Concerns: []string{}, Feedback: FeedbackApproved}
}

// Reject builds a rejecting result with the given concerns.
func Reject(concerns ...string) ReviewResult {
	return ReviewResult{Approved: false, Score: RejectedScore, Concerns: concerns, Feedback: FeedbackRejected}
}
