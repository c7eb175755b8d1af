// Package authz gates broker operations with OPA policies.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/security"
)

const defaultEntrypoint = "keybroker/authz/allow"

// Options control policy engine construction.
type Options struct {
	// Entrypoint is the rule evaluated per call (e.g. "keybroker/authz/allow").
	// It must yield a boolean; empty selects the default entrypoint.
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
	// Logger receives denial logs; nil uses slog.Default.
	Logger *slog.Logger
}

// Authorizer evaluates a compiled Rego policy for every operation.
// A nil *Authorizer allows everything.
type Authorizer struct {
	prepared   rego.PreparedEvalQuery
	entrypoint string
	logger     *slog.Logger
}

// New compiles the supplied modules and prepares the entrypoint query.
func New(ctx context.Context, opts Options) (*Authorizer, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("authorizer requires at least one rego module")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	query := "data." + strings.ReplaceAll(entry, "/", ".")
	regoOpts := make([]func(*rego.Rego), 0, len(opts.Modules)+1)
	regoOpts = append(regoOpts, rego.Query(query))
	for name, src := range opts.Modules {
		module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Authorizer{prepared: prepared, entrypoint: entry, logger: logger}, nil
}

// LoadFile compiles a single policy file from disk.
func LoadFile(ctx context.Context, path string, logger *slog.Logger) (*Authorizer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return New(ctx, Options{
		Modules: map[string]string{filepath.Base(path): string(src)},
		Logger:  logger,
	})
}

// Allow evaluates the policy for one operation. An undefined result denies.
func (a *Authorizer) Allow(ctx context.Context, op string, tier protocol.Tier) error {
	if a == nil {
		return nil
	}

	input := map[string]any{
		"operation": op,
		"tier":      string(tier),
	}
	results, err := a.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return security.WrapError(security.CodeServiceError, err, "evaluate policy for %q", op)
	}

	if allowed(results) {
		return nil
	}
	a.logger.Warn("operation denied by policy",
		"operation", op,
		"tier", tier,
		"entrypoint", a.entrypoint)
	return security.NewError(security.CodeInvalidInput, "operation %q denied by policy", op)
}

func allowed(results rego.ResultSet) bool {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	v, ok := results[0].Expressions[0].Value.(bool)
	return ok && v
}
