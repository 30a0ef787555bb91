package engine

import "errors"

// Kind classifies a failed execution.
type Kind string

// Failure kinds. A successful result has no kind.
const (
	KindConfig    Kind = "config"
	KindDiscovery Kind = "discovery"
	KindSynthesis Kind = "synthesis"
	KindSecurity  Kind = "security"
	KindApproval  Kind = "approval"
	KindSandbox   Kind = "sandbox"
	KindTimeout   Kind = "timeout"
)

// ExitStatus maps a kind to the CLI exit code: 1 for execution errors,
// 2 for security and approval holds, 3 for timeouts.
func (k Kind) ExitStatus() int {
	switch k {
	case "":
		return 0
	case KindSecurity, KindApproval:
		return 2
	case KindTimeout:
		return 3
	default:
		return 1
	}
}

// Caller-facing failure messages.
const (
	MsgNoTools          = "No relevant tools"
	MsgSecurityFailed   = "Security validation failed"
	MsgApprovalRejected = "Approval rejected"
	MsgApprovalPending  = "Approval pending"
	MsgRateLimited      = "rate limit exceeded"
)

var (
	// ErrMissingDependency is returned by New when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("engine: missing dependency")

	// ErrUnsupportedLanguage is returned for an unknown target language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)
