// Package compiler turns source text into loadable modules.
//
// The engine's source language is Starlark. A [Compiler] parses and
// resolves submitted text, returning either an opaque [Module] handle or
// positioned diagnostics. In Restricted mode the parsed file is inspected
// for security violations before resolution; a compilation that fails, or
// that carries violations, never reaches execution.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/mkarlsen/runex/security"
)

// DefaultEntryPoint is the entry function looked up when a request does
// not name one.
const DefaultEntryPoint = "main"

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns "error" or "warning".
func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is one positioned compiler message.
type Diagnostic struct {
	Line     int
	Col      int
	Message  string
	Severity Severity
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Col, d.Severity, d.Message)
}

// Request describes one compilation.
type Request struct {
	// Source is the raw source text.
	Source string
	// EntryPoint names the function to invoke; empty means
	// DefaultEntryPoint.
	EntryPoint string
	// Namespace names the module in diagnostics and transaction scoping;
	// empty means "dynamic".
	Namespace string
}

func (r Request) entry() string {
	if r.EntryPoint == "" {
		return DefaultEntryPoint
	}
	return r.EntryPoint
}

func (r Request) namespace() string {
	if r.Namespace == "" {
		return "dynamic"
	}
	return r.Namespace
}

// Result is the outcome of one compilation. OK implies a non-nil Module
// and no Violations; Diagnostics may be present either way.
type Result struct {
	OK          bool
	Module      *Module
	Diagnostics []Diagnostic
	Violations  []security.Violation
}

// ErrorMessage summarizes the failure, preferring a security violation
// message over a plain compile error.
func (r Result) ErrorMessage() string {
	if len(r.Violations) > 0 {
		return r.Violations[0].Error()
	}
	if len(r.Diagnostics) > 0 {
		return "compilation failed: " + r.Diagnostics[0].String()
	}
	if !r.OK {
		return "compilation failed"
	}
	return ""
}

// fileOptions enables the dialect features dynamic snippets rely on:
// while loops, top-level control flow, reassignment and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// FileOptions returns the dialect options used for every parse, for
// callers that evaluate chunks outside a compiled module (the REPL).
func FileOptions() *syntax.FileOptions {
	return fileOptions
}

// Compiler compiles source text against a security policy. Compiled
// modules are cached by source and policy fingerprint, in the same
// double-checked pattern the runtime uses for hot reuse.
type Compiler struct {
	mu          sync.RWMutex
	policy      security.Policy
	validator   *security.Validator
	predeclared map[string]bool
	cache       map[string]Result
}

// New returns a Compiler enforcing policy. predeclared lists the names
// beyond the Starlark universe that submitted code may reference,
// typically the engine's host function names.
func New(policy security.Policy, predeclared []string) *Compiler {
	c := &Compiler{
		policy:      policy,
		validator:   security.NewValidator(policy),
		predeclared: make(map[string]bool),
		cache:       make(map[string]Result),
	}
	for _, name := range predeclared {
		c.predeclared[name] = true
	}
	return c
}

// SetPolicy replaces the policy and drops the cache, since cached results
// embed policy decisions.
func (c *Compiler) SetPolicy(policy security.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
	c.validator = security.NewValidator(policy)
	c.cache = make(map[string]Result)
}

// SetPredeclared replaces the allowed predeclared names and drops the cache.
func (c *Compiler) SetPredeclared(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predeclared = make(map[string]bool, len(names))
	for _, name := range names {
		c.predeclared[name] = true
	}
	c.cache = make(map[string]Result)
}

// Compile turns a request into a module handle or diagnostics.
func (c *Compiler) Compile(req Request) Result {
	key := c.cacheKey(req)

	c.mu.RLock()
	if res, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return res
	}
	isPredeclared := c.isPredeclared
	policy := c.policy
	validator := c.validator
	c.mu.RUnlock()

	res := compile(req, policy, validator, isPredeclared)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached
	}
	c.cache[key] = res
	return res
}

func compile(req Request, policy security.Policy, validator *security.Validator,
	isPredeclared func(string) bool) Result {

	source, wrapped := WrapSnippet(req.Source, req.entry())

	f, err := fileOptions.Parse(req.namespace(), source, 0)
	if err != nil {
		return Result{Diagnostics: diagnosticsFrom(err)}
	}

	// Resolved-symbol inspection: stronger than the textual pre-check,
	// and applied even to snippets that will parse cleanly.
	if violations := validator.InspectFile(f); len(violations) > 0 {
		return Result{Violations: violations}
	}

	prog, err := starlark.FileProgram(f, isPredeclared)
	if err != nil {
		return Result{Diagnostics: diagnosticsFrom(err)}
	}

	return Result{
		OK: true,
		Module: &Module{
			namespace: req.namespace(),
			entry:     req.entry(),
			program:   prog,
			wrapped:   wrapped,
		},
	}
}

func (c *Compiler) isPredeclared(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.predeclared[name]
}

func (c *Compiler) cacheKey(req Request) string {
	sum := sha256.Sum256([]byte(req.Source))
	var fp strings.Builder
	fp.WriteString(hex.EncodeToString(sum[:]))
	fp.WriteByte('|')
	fp.WriteString(req.entry())
	fp.WriteByte('|')
	fp.WriteString(req.namespace())
	fp.WriteByte('|')
	fp.WriteString(c.policy.Level.String())
	for _, ns := range c.policy.ForbiddenNamespaces {
		fp.WriteByte(',')
		fp.WriteString(ns)
	}
	return fp.String()
}

// diagnosticsFrom converts parser and resolver errors into positioned
// diagnostics.
func diagnosticsFrom(err error) []Diagnostic {
	switch err := err.(type) {
	case syntax.Error:
		return []Diagnostic{{
			Line:     int(err.Pos.Line),
			Col:      int(err.Pos.Col),
			Message:  err.Msg,
			Severity: SeverityError,
		}}
	case resolve.ErrorList:
		diags := make([]Diagnostic, 0, len(err))
		for _, e := range err {
			diags = append(diags, Diagnostic{
				Line:     int(e.Pos.Line),
				Col:      int(e.Pos.Col),
				Message:  e.Msg,
				Severity: SeverityError,
			})
		}
		return diags
	case resolve.Error:
		return []Diagnostic{{
			Line:     int(err.Pos.Line),
			Col:      int(err.Pos.Col),
			Message:  err.Msg,
			Severity: SeverityError,
		}}
	default:
		return []Diagnostic{{Line: 1, Col: 1, Message: err.Error(), Severity: SeverityError}}
	}
}

// WrapSnippet turns a bare snippet into a module defining the entry
// function. Sources that already define any top-level function are left
// alone. The wrapper gives snippets the full (params, ctx) signature, so
// `ExecuteCode("return 42;")` works verbatim. Top-level load statements
// stay above the synthesized function: load is only legal at module
// scope.
func WrapSnippet(source, entry string) (string, bool) {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "def ") {
			return source, false
		}
	}

	var b strings.Builder
	var body []string
	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(line, "load(") {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		body = append(body, line)
	}

	fmt.Fprintf(&b, "def %s(params, ctx):\n", entry)
	empty := true
	for _, line := range body {
		if strings.TrimSpace(line) == "" {
			b.WriteByte('\n')
			continue
		}
		empty = false
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if empty {
		b.WriteString("    pass\n")
	}
	return b.String(), true
}
