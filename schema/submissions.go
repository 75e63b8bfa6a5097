package schema

// OpType is the discriminator inside the op body of a submission.
type OpType string

const (
	// OpUserInput sends user content to the agent, starting a turn.
	OpUserInput OpType = "user_input"
	// OpInterrupt asks the agent to abort the in-flight turn.
	OpInterrupt OpType = "interrupt"
	// OpExecApproval answers an exec approval request.
	OpExecApproval OpType = "exec_approval"
	// OpPatchApproval answers a patch approval request.
	OpPatchApproval OpType = "patch_approval"
	// OpShutdown asks the agent to exit cleanly.
	OpShutdown OpType = "shutdown"
)

// InputItemType discriminates user input items.
type InputItemType string

const (
	// InputText is a plain text item.
	InputText InputItemType = "text"
	// InputLocalImage references an image file on disk.
	InputLocalImage InputItemType = "local_image"
)

// InputItem is one piece of user input.
type InputItem struct {
	Type InputItemType `json:"type"`
	Text string        `json:"text,omitempty"`
	Path string        `json:"path,omitempty"`
}

// Submission is one line written to the agent's stdin.
type Submission struct {
	ID SubmissionID `json:"id"`
	Op Op           `json:"op"`
}

// Op is the tagged body of a submission. The nested id on approval ops names
// the approval request being answered, not the submission.
type Op struct {
	Type OpType `json:"type"`

	// user_input
	Items []InputItem `json:"items,omitempty"`

	// exec_approval, patch_approval
	ID       ApprovalID `json:"id,omitempty"`
	Decision string     `json:"decision,omitempty"`
}

// WireDecision maps an ApprovalDecision onto the agent's wire vocabulary.
func WireDecision(d ApprovalDecision) string {
	if d == DecisionApprove {
		return "allow"
	}
	return "deny"
}
