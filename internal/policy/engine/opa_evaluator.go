package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"fidc-session-auth/backend/internal/logging"
	"fidc-session-auth/backend/internal/policy/repository"
	"fidc-session-auth/backend/internal/session/domain"
)

const allowQuery = "data.fidc.relationship.allow"

// Default Rego policy: only ACTIVE relationships can be selected.
const defaultRegoPolicy = `package fidc.relationship

default allow := false

allow if {
	upper(input.relationship.status) == "ACTIVE"
}
`

// OPAEvaluator evaluates relationship eligibility using OPA Rego. Partner policies stored in
// the repository replace the default policy for that partner.
type OPAEvaluator struct {
	policyRepo repository.Repository
	logger     *slog.Logger
	defaultQ   rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the default policy and returns an evaluator. policyRepo may be nil,
// in which case only the default policy applies.
func NewOPAEvaluator(ctx context.Context, policyRepo repository.Repository, logger *slog.Logger) (*OPAEvaluator, error) {
	q, err := prepare(ctx, []string{defaultRegoPolicy})
	if err != nil {
		return nil, fmt.Errorf("policy: prepare default policy: %w", err)
	}
	return &OPAEvaluator{policyRepo: policyRepo, logger: logging.OrDiscard(logger), defaultQ: q}, nil
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy repo or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	modules := map[string]string{"policy_0.rego": defaultRegoPolicy}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
		rego.Input(buildInput("", domain.Relationship{Status: "ACTIVE"})),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// CanSelect evaluates the partner's enabled policies, or the default policy when the partner
// has none. Partner policy failures are logged and the default policy decides.
func (e *OPAEvaluator) CanSelect(ctx context.Context, partner string, relationship domain.Relationship) (bool, error) {
	input := buildInput(partner, relationship)

	var policies []string
	if e.policyRepo != nil {
		enabled, err := e.policyRepo.GetEnabledPoliciesByPartner(ctx, partner)
		if err != nil {
			e.logger.Warn("policy: failed to load partner policies", "partner", partner, "error", err)
		}
		for _, p := range enabled {
			if p.Enabled && p.Rules != "" {
				policies = append(policies, p.Rules)
			}
		}
	}

	if len(policies) > 0 {
		allowed, err := evalPolicies(ctx, policies, input)
		if err == nil {
			return allowed, nil
		}
		e.logger.Warn("policy: partner policy evaluation failed, using default", "partner", partner, "error", err)
	}

	allowed, err := evalAllow(ctx, e.defaultQ, input)
	if err != nil {
		return false, fmt.Errorf("policy: evaluate default policy: %w", err)
	}
	return allowed, nil
}

func evalPolicies(ctx context.Context, policies []string, input map[string]interface{}) (bool, error) {
	q, err := prepare(ctx, policies)
	if err != nil {
		return false, err
	}
	return evalAllow(ctx, q, input)
}

func prepare(ctx context.Context, policies []string) (rego.PreparedEvalQuery, error) {
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile policies: %w", err)
	}
	return rego.New(rego.Query(allowQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
}

func evalAllow(ctx context.Context, q rego.PreparedEvalQuery, input map[string]interface{}) (bool, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	// An undefined allow (no default in a partner module) denies.
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("allow is %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

func buildInput(partner string, r domain.Relationship) map[string]interface{} {
	relType := ""
	if r.Type != nil {
		relType = *r.Type
	}
	return map[string]interface{}{
		"partner": strings.ToLower(partner),
		"relationship": map[string]interface{}{
			"id":              r.ID,
			"type":            relType,
			"name":            r.Name,
			"status":          r.Status,
			"contract_number": r.ContractNumber,
		},
	}
}

// ValidateRules checks that rules parse, declare package fidc.relationship and compile.
func ValidateRules(ctx context.Context, rules string) error {
	mod, err := ast.ParseModule("policy.rego", rules)
	if err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	if mod == nil || mod.Package == nil || mod.Package.Path.String() != "data.fidc.relationship" {
		return fmt.Errorf("policy must declare package fidc.relationship")
	}
	if _, err := prepare(ctx, []string{rules}); err != nil {
		return err
	}
	return nil
}
