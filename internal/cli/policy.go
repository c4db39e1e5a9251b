package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lakestack/internal/ir"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy-check [plan-file]",
	Short: "Check a plan against policy rules",
	Long: `Evaluates a plan against policy rules in a YAML or JSON file. Without a
plan file, the stack is planned first.

Rules can enforce constraints like:
  - Data buckets must block public access
  - Every resource must carry tags
  - The metastore must never be replaced or deleted

Example policy file:
  rules:
    - name: private-buckets
      kind: aws:S3.Bucket
      condition: property_equals
      property: blockPublicAccess
      value: "false"
      severity: error
    - name: keep-metastore
      condition: expr
      expression: id == "metastore" && action in ["DELETE", "REPLACE"]`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.Flags().StringVarP(&policyFile, "policy", "p", ".lakestack/policies.yaml", "Path to policy file")
}

// PolicyFile represents a collection of policy rules.
type PolicyFile struct {
	Rules []PolicyRule `yaml:"rules" json:"rules"`
}

// PolicyRule defines a single policy check.
type PolicyRule struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Kind        string `yaml:"kind" json:"kind"`           // empty = all kinds
	Condition   string `yaml:"condition" json:"condition"` // deny_action, property_equals, property_not_equals, require_property, expr
	Property    string `yaml:"property" json:"property"`
	Value       string `yaml:"value" json:"value"`
	// Expression is an expr-lang boolean over id, kind, action, properties
	// and changed; true is a violation.
	Expression string `yaml:"expression" json:"expression"`
	Severity   string `yaml:"severity" json:"severity"` // "error", "warning"
}

// PolicyViolation represents a policy check failure.
type PolicyViolation struct {
	Rule     PolicyRule
	Resource string
	Message  string
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	var plan *ir.Plan
	var err error
	if len(args) > 0 {
		plan, err = readPlanFile(args[0])
	} else {
		plan, err = planStack(cmd)
	}
	if err != nil {
		return err
	}

	policies, err := loadPolicies(policyFile)
	if err != nil {
		return err
	}

	violations, err := evaluatePolicies(plan, policies)
	if err != nil {
		return err
	}

	errCount, warnings := 0, 0
	for _, v := range violations {
		if isWarning(v.Rule) {
			warnings++
			pterm.Warning.Printfln("%s: %s", v.Rule.Name, v.Message)
		} else {
			errCount++
			pterm.Error.Printfln("%s: %s", v.Rule.Name, v.Message)
		}
	}

	pterm.Printfln("\nPolicy check complete: %d error(s), %d warning(s)", errCount, warnings)
	if errCount > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errCount)
	}
	return nil
}

func planStack(cmd *cobra.Command) (*ir.Plan, error) {
	ctx := cmd.Context()
	cfg, err := loadStack(ctx, nil)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	current, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	eng, err := newEngine(cfg, 0)
	if err != nil {
		return nil, err
	}
	return eng.Plan(ctx, cfg, current)
}

func loadPolicies(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var policies PolicyFile
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return &policies, nil
}

func isWarning(rule PolicyRule) bool {
	return strings.EqualFold(rule.Severity, "warning") || strings.EqualFold(rule.Severity, "warn")
}

func evaluatePolicies(plan *ir.Plan, policies *PolicyFile) ([]PolicyViolation, error) {
	var violations []PolicyViolation
	add := func(rule PolicyRule, change *ir.ResourceChange, format string, args ...any) {
		violations = append(violations, PolicyViolation{
			Rule:     rule,
			Resource: change.ID,
			Message:  fmt.Sprintf("%s: ", change.ID) + fmt.Sprintf(format, args...),
		})
	}

	for _, rule := range policies.Rules {
		for _, change := range plan.Changes {
			if rule.Kind != "" && change.Kind != rule.Kind {
				continue
			}
			props := desiredProperties(change)

			switch rule.Condition {
			case "deny_action":
				if strings.EqualFold(string(change.Action), rule.Value) {
					add(rule, change, "action %s is denied by policy %q", change.Action, rule.Name)
				}

			case "property_equals":
				if val, ok := props[rule.Property]; ok && fmt.Sprint(val) == rule.Value {
					add(rule, change, "property %s=%v violates policy %q", rule.Property, val, rule.Name)
				}

			case "property_not_equals":
				if val, ok := props[rule.Property]; ok && fmt.Sprint(val) != rule.Value {
					add(rule, change, "property %s=%v violates policy %q (expected %s)", rule.Property, val, rule.Name, rule.Value)
				}

			case "require_property":
				if change.Action == ir.ActionCreate || change.Action == ir.ActionUpdate || change.Action == ir.ActionReplace {
					if _, ok := props[rule.Property]; !ok {
						add(rule, change, "missing required property %q per policy %q", rule.Property, rule.Name)
					}
				}

			case "expr":
				hit, err := evalPolicyExpr(rule, change, props)
				if err != nil {
					return nil, err
				}
				if hit {
					msg := rule.Description
					if msg == "" {
						msg = "matches " + rule.Expression
					}
					add(rule, change, "%s", msg)
				}

			default:
				return nil, fmt.Errorf("policy %q: unknown condition %q", rule.Name, rule.Condition)
			}
		}
	}
	return violations, nil
}

func evalPolicyExpr(rule PolicyRule, change *ir.ResourceChange, props map[string]any) (bool, error) {
	changed := make([]string, 0, len(change.Diff))
	for k := range change.Diff {
		changed = append(changed, k)
	}
	env := map[string]any{
		"id":         change.ID,
		"kind":       change.Kind,
		"action":     string(change.Action),
		"properties": props,
		"changed":    changed,
	}
	program, err := expr.Compile(rule.Expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("policy %q: failed to compile expression: %w", rule.Name, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("policy %q: failed to evaluate expression: %w", rule.Name, err)
	}
	return out.(bool), nil
}

// desiredProperties returns what the change declares, or for a delete
// what was last applied.
func desiredProperties(change *ir.ResourceChange) map[string]any {
	if change.Desired != nil {
		return change.Desired.Properties
	}
	if change.Prior != nil {
		return change.Prior.Inputs
	}
	return nil
}
