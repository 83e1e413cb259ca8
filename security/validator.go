package security

import (
	"strings"

	"go.starlark.net/syntax"
)

// selfElevationAPIs are the symbols that mutate the engine's own security
// policy. Referencing any of them from sandboxed code is rejected outright,
// ahead of and independent of the namespace checks.
var selfElevationAPIs = []string{
	"set_security_policy",
	"set_security_level",
	"security_policy",
}

// Validator checks source text against a Policy.
//
// CheckSource is the cheap textual pre-check run before compilation;
// InspectFile is the deeper resolved-symbol inspection run by the compiler
// on the parsed file in Restricted mode.
type Validator struct {
	policy Policy
}

// NewValidator returns a Validator for the given policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// SetPolicy replaces the validator's policy.
func (v *Validator) SetPolicy(policy Policy) {
	v.policy = policy
}

// CheckSource runs the textual pre-check. It rejects empty or oversized
// input at every level, and in Restricted mode scans the raw text for
// self-elevation APIs and forbidden namespaces. A nil slice means the
// source passed.
//
// The textual scan is deliberately coarse; the compiler's InspectFile pass
// catches references the text scan cannot see.
func (v *Validator) CheckSource(source string) []Violation {
	if strings.TrimSpace(source) == "" {
		return []Violation{{
			Type:    ViolationEmptySource,
			Message: "source text is empty",
		}}
	}
	if len(source) > v.policy.maxSourceBytes() {
		return []Violation{{
			Type:    ViolationSourceTooLarge,
			Message: "source text exceeds the size limit",
		}}
	}
	if v.policy.Level != Restricted {
		return nil
	}

	var violations []Violation
	for _, api := range selfElevationAPIs {
		if strings.Contains(source, api) {
			violations = append(violations, selfElevationViolation(api))
			break
		}
	}
	for _, ns := range v.policy.ForbiddenNamespaces {
		if ns == "" {
			continue
		}
		if strings.Contains(source, ns) {
			violations = append(violations, namespaceViolation(ns))
		}
	}
	return violations
}

// InspectFile walks a parsed file and reports references to self-elevation
// APIs and forbidden namespaces. It sees identifiers, dotted attribute
// chains, and load() modules, so it is stronger than the textual
// pre-check.
func (v *Validator) InspectFile(file *syntax.File) []Violation {
	if v.policy.Level != Restricted || file == nil {
		return nil
	}

	var violations []Violation
	seen := make(map[string]bool)
	report := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		for _, api := range selfElevationAPIs {
			if name == api || strings.HasPrefix(name, api+".") {
				violations = append(violations, selfElevationViolation(name))
				return
			}
		}
		for _, ns := range v.policy.ForbiddenNamespaces {
			if ns == "" {
				continue
			}
			if name == ns || strings.HasPrefix(name, ns+".") {
				violations = append(violations, namespaceViolation(name))
				return
			}
		}
	}

	syntax.Walk(file, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.Ident:
			report(n.Name)
		case *syntax.DotExpr:
			if name := dottedName(n); name != "" {
				report(name)
				// The chain covers its components; no need to descend.
				return false
			}
		case *syntax.LoadStmt:
			if mod, ok := n.Module.Value.(string); ok {
				report(mod)
			}
		}
		return true
	})

	// Self-elevation findings take priority in the reported order.
	ordered := make([]Violation, 0, len(violations))
	for _, vi := range violations {
		if vi.Type == ViolationSelfElevation {
			ordered = append(ordered, vi)
		}
	}
	for _, vi := range violations {
		if vi.Type != ViolationSelfElevation {
			ordered = append(ordered, vi)
		}
	}
	return ordered
}

// dottedName flattens a DotExpr chain rooted at an identifier into
// "a.b.c" form. Chains rooted at call results or literals return "".
func dottedName(d *syntax.DotExpr) string {
	var parts []string
	var walk func(e syntax.Expr) bool
	walk = func(e syntax.Expr) bool {
		switch e := e.(type) {
		case *syntax.Ident:
			parts = append(parts, e.Name)
			return true
		case *syntax.DotExpr:
			if !walk(e.X) {
				return false
			}
			parts = append(parts, e.Name.Name)
			return true
		default:
			return false
		}
	}
	if !walk(d) {
		return ""
	}
	return strings.Join(parts, ".")
}

func selfElevationViolation(api string) Violation {
	return Violation{
		Type:    ViolationSelfElevation,
		Message: "sandboxed code may not reference the security policy API",
		API:     api,
	}
}

func namespaceViolation(name string) Violation {
	return Violation{
		Type:    ViolationForbiddenNamespace,
		Message: "reference to forbidden namespace",
		API:     name,
	}
}
