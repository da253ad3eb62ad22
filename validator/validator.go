// Package validator implements the Code Validator collaborator the
// Subprocess Supervisor consults before launching any generated script:
// an import/primitive allow-list scan (Validate), plus a separate JSON
// Schema check of a manifest document describing what a script touches
// (ValidateManifest). The supervisor and Handler call only Validate; no
// planner in this module produces a manifest. Grounded on
// the lexical nature of payload validation elsewhere in this codebase
// (registry/service.go's schema.Validate call against
// github.com/santhosh-tekuri/jsonschema/v6) -- no ecosystem library
// improves on a shallow lexical import scan, so that half is justified
// stdlib (regexp/strings), while the manifest half reuses the same JSON
// Schema dependency directly.
package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

// Violation is one rule the validator rejected a script for.
type Violation struct {
	Rule    string
	Detail  string
}

func (v Violation) String() string { return v.Rule + ": " + v.Detail }

// Options configures a Validator instance.
type Options struct {
	// AllowedImports is the whitelist of import/module names a script may
	// reference. Matched against lines that look like Python's `import x`
	// or `from x import y`.
	AllowedImports []string
	// AllowedEndpointPrefixes restricts string literals that look like
	// Okta API paths to the given base paths.
	AllowedEndpointPrefixes []string
	// DataDir is the only directory a script may open for writing.
	DataDir string
	// ManifestSchema, if set, is compiled once and used to validate a
	// script's companion manifest document via Validator.ValidateManifest.
	ManifestSchema string
}

// Validator implements the subprocess.Validator interface the Subprocess
// Supervisor requires.
type Validator struct {
	allowedImports map[string]bool
	endpointPrefix []string
	dataDir        string
	schema         *jsonschema.Schema
}

var (
	importRe    = regexp.MustCompile(`^\s*import\s+([a-zA-Z0-9_\.]+)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([a-zA-Z0-9_\.]+)\s+import\b`)
	openWriteRe = regexp.MustCompile(`open\(\s*["']([^"']+)["']\s*,\s*["'][wWaA]`)
	endpointRe  = regexp.MustCompile(`["'](/api/v\d+/[a-zA-Z0-9_/\-]*)["']`)
	forbiddenRe = regexp.MustCompile(`\b(eval|exec|compile|__import__|subprocess|os\.system|pty\.spawn)\s*\(`)
)

// New builds a Validator. If opts.ManifestSchema is non-empty it is
// compiled eagerly so a malformed schema is caught at wiring time rather
// than on the first script.
func New(opts Options) (*Validator, error) {
	v := &Validator{
		allowedImports: toSet(opts.AllowedImports),
		endpointPrefix: opts.AllowedEndpointPrefixes,
		dataDir:        opts.DataDir,
	}
	if opts.ManifestSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(opts.ManifestSchema))
		if err != nil {
			return nil, fmt.Errorf("validator: parse manifest schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.json", doc); err != nil {
			return nil, fmt.Errorf("validator: add manifest schema: %w", err)
		}
		schema, err := c.Compile("manifest.json")
		if err != nil {
			return nil, fmt.Errorf("validator: compile manifest schema: %w", err)
		}
		v.schema = schema
	}
	return v, nil
}

// Validate implements subprocess.Validator: a lexical scan of the
// generated code against the import whitelist, forbidden dynamic-
// execution primitives, filesystem write scope, and endpoint base-path
// restriction.
func (v *Validator) Validate(code string) (bool, []string) {
	var violations []string

	for _, line := range strings.Split(code, "\n") {
		if m := importRe.FindStringSubmatch(line); m != nil {
			if !v.importAllowed(m[1]) {
				violations = append(violations, fmt.Sprintf("import_whitelist: %q is not an allowed import", m[1]))
			}
		}
		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			if !v.importAllowed(m[1]) {
				violations = append(violations, fmt.Sprintf("import_whitelist: %q is not an allowed import", m[1]))
			}
		}
		if forbiddenRe.MatchString(line) {
			violations = append(violations, "forbidden_primitive: dynamic code execution is not permitted: "+strings.TrimSpace(line))
		}
		if m := openWriteRe.FindStringSubmatch(line); m != nil {
			if !v.pathInDataDir(m[1]) {
				violations = append(violations, fmt.Sprintf("filesystem_scope: write to %q is outside the data directory", m[1]))
			}
		}
		for _, m := range endpointRe.FindAllStringSubmatch(line, -1) {
			if !v.endpointAllowed(m[1]) {
				violations = append(violations, fmt.Sprintf("endpoint_scope: %q is outside the allowed base paths", m[1]))
			}
		}
	}

	return len(violations) == 0, violations
}

// ValidateManifest checks a generated script's companion manifest (a
// small JSON document describing entities touched, estimated record
// counts, etc.) against the compiled schema. Returns nil if no schema
// was configured.
func (v *Validator) ValidateManifest(manifest map[string]any) error {
	if v.schema == nil {
		return nil
	}
	return v.schema.Validate(manifest)
}

func (v *Validator) importAllowed(name string) bool {
	if len(v.allowedImports) == 0 {
		return true
	}
	root := strings.SplitN(name, ".", 2)[0]
	return v.allowedImports[name] || v.allowedImports[root]
}

func (v *Validator) pathInDataDir(path string) bool {
	if v.dataDir == "" {
		return true
	}
	return strings.HasPrefix(path, v.dataDir)
}

func (v *Validator) endpointAllowed(path string) bool {
	if len(v.endpointPrefix) == 0 {
		return true
	}
	for _, prefix := range v.endpointPrefix {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler adapts Validate into a steps.Handler for plan.StepSecurityValidation,
// reading the candidate script from the step's Operation field (the same
// carrier subprocess.Handler reads for script_execution). A rejected
// script fails with execerrors.KindSecurityViolation, which the Step
// Runner propagates as a critical-step failure, halting the Process
// before any subprocess is ever launched.
func (v *Validator) Handler() steps.Handler {
	return func(_ context.Context, step plan.Step, _ []map[string]any, _ steps.Emitter) (steps.Outcome, error) {
		if step.Operation == "" {
			return steps.Outcome{}, execerrors.New(execerrors.KindInvalidInput, "security_validation: step has no candidate script")
		}
		ok, violations := v.Validate(step.Operation)
		if !ok {
			return steps.Outcome{}, execerrors.New(execerrors.KindSecurityViolation, strings.Join(violations, "; "))
		}
		return steps.Outcome{}, nil
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
