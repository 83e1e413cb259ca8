// Package security defines the execution policy tiers and the source
// validator that enforces them.
//
// A [Policy] bounds what dynamic code may be compiled or run. The three
// tiers are:
//
//   - Disabled: every request is rejected before compilation.
//   - Restricted: source text and resolved symbols are checked against the
//     policy's forbidden namespaces, and the self-elevation guard applies.
//   - FullAccess: no namespace checks.
//
// The self-elevation guard is unconditional in Restricted mode: code that
// references the API used to change the security level itself is rejected
// before any other check, so sandboxed code can never weaken its own
// restriction.
package security

import (
	"fmt"
	"strings"
	"time"
)

// Level is the configuration tier bounding what may be compiled or run.
type Level int

const (
	// Disabled rejects every execution request.
	Disabled Level = iota
	// Restricted allows execution subject to namespace checks.
	Restricted
	// FullAccess allows execution without namespace checks.
	FullAccess
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case Disabled:
		return "disabled"
	case Restricted:
		return "restricted"
	case FullAccess:
		return "fullaccess"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name to a Level. It accepts the String
// forms plus a few common spellings.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return Disabled, nil
	case "restricted", "sandbox":
		return Restricted, nil
	case "fullaccess", "full", "full-access":
		return FullAccess, nil
	default:
		return Disabled, fmt.Errorf("unknown security level %q", s)
	}
}

// Policy bounds dynamic code execution.
type Policy struct {
	// Level selects the tier. The zero value is Disabled.
	Level Level

	// MaxExecutionTime caps a single execution. Zero means no cap.
	MaxExecutionTime time.Duration

	// AllowFileSystemAccess gates the filesystem host capability.
	AllowFileSystemAccess bool

	// AllowNetworkAccess gates the HTTP host capability.
	AllowNetworkAccess bool

	// ForbiddenNamespaces lists name prefixes that Restricted code may not
	// reference (e.g. "os", "net.http").
	ForbiddenNamespaces []string

	// MaxSourceBytes caps the size of submitted source text.
	// Zero means DefaultMaxSourceBytes.
	MaxSourceBytes int
}

// DefaultMaxSourceBytes caps source size when Policy.MaxSourceBytes is zero.
const DefaultMaxSourceBytes = 1 << 20

// DefaultPolicy returns a Restricted policy with a 30 second execution cap
// and no filesystem or network access.
func DefaultPolicy() Policy {
	return Policy{
		Level:            Restricted,
		MaxExecutionTime: 30 * time.Second,
	}
}

// maxSourceBytes resolves the effective source size cap.
func (p Policy) maxSourceBytes() int {
	if p.MaxSourceBytes > 0 {
		return p.MaxSourceBytes
	}
	return DefaultMaxSourceBytes
}

// ViolationType classifies a policy violation.
type ViolationType int

const (
	// ViolationForbiddenNamespace marks a reference to a forbidden namespace.
	ViolationForbiddenNamespace ViolationType = iota
	// ViolationSelfElevation marks a reference to the policy-mutation API.
	ViolationSelfElevation
	// ViolationEmptySource marks empty or blank source text.
	ViolationEmptySource
	// ViolationSourceTooLarge marks source exceeding the size cap.
	ViolationSourceTooLarge
)

// String returns a short name for the violation type.
func (t ViolationType) String() string {
	switch t {
	case ViolationForbiddenNamespace:
		return "forbidden-namespace"
	case ViolationSelfElevation:
		return "self-elevation"
	case ViolationEmptySource:
		return "empty-source"
	case ViolationSourceTooLarge:
		return "source-too-large"
	default:
		return fmt.Sprintf("violation(%d)", int(t))
	}
}

// Violation describes one policy violation found in submitted source.
type Violation struct {
	Type    ViolationType
	Message string
	// API is the offending symbol, when one exists.
	API string
}

func (v Violation) Error() string {
	if v.API != "" {
		return fmt.Sprintf("security violation (%s): %s [%s]", v.Type, v.Message, v.API)
	}
	return fmt.Sprintf("security violation (%s): %s", v.Type, v.Message)
}
