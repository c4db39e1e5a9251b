package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/picklr-io/lakestack/internal/engine"
	"github.com/picklr-io/lakestack/internal/eval"
	"github.com/picklr-io/lakestack/internal/history"
	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
	"github.com/picklr-io/lakestack/internal/state"
	"github.com/picklr-io/lakestack/providers/aws"
	"github.com/picklr-io/lakestack/providers/memory"
)

var defaultStackFiles = []string{"stack.yaml", "stack.yml", "main.pkl"}

// newRegistry builds the provider registry. Tests replace it to share one
// in-memory provider across commands.
var newRegistry = func() *provider.Registry {
	registry := provider.NewRegistry()
	registry.RegisterFactory(memory.Name, memory.Factory)
	registry.RegisterFactory(aws.Name, aws.Factory(globals.region))
	return registry
}

// stackPath returns the stack file named by an argument, --file, or the
// first default file found in the current directory. A directory argument
// is searched for the default names.
func stackPath(args []string) (string, error) {
	candidate := globals.stackFile
	if len(args) > 0 {
		candidate = args[0]
	}

	dir := "."
	if candidate != "" {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path %s: %w", candidate, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("failed to stat path %s: %w", candidate, err)
		}
		if !info.IsDir() {
			return abs, nil
		}
		dir = abs
	}

	for _, name := range defaultStackFiles {
		path, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no stack file found in %s (looked for %s)", dir, strings.Join(defaultStackFiles, ", "))
}

// loadStack evaluates the stack file with variables from the dotenv file,
// the environment and --var flags.
func loadStack(ctx context.Context, args []string) (*ir.Config, error) {
	path, err := stackPath(args)
	if err != nil {
		return nil, err
	}
	vars, err := eval.ParseVarFlags(globals.vars)
	if err != nil {
		return nil, err
	}
	cfg, err := eval.NewEvaluator(filepath.Dir(path)).LoadConfig(ctx, path, eval.Options{
		EnvFile: globals.envFile,
		Vars:    vars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stack: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return cfg, nil
}

// loadStackIfPresent is loadStack for commands that only need the stack's
// backend settings and work without a stack file.
func loadStackIfPresent(ctx context.Context) (*ir.Config, error) {
	if _, err := stackPath(nil); err != nil {
		return nil, nil
	}
	return loadStack(ctx, nil)
}

func localStatePath() string {
	if globals.statePath != "" {
		return globals.statePath
	}
	return WorkspaceStatePath()
}

// openBackend returns the state backend the stack selects, or local state.
func openBackend(ctx context.Context, cfg *ir.Config) (state.Backend, error) {
	var backendCfg *ir.BackendConfig
	if cfg != nil {
		backendCfg = cfg.Backend
	}
	return state.NewBackend(ctx, backendCfg, localStatePath())
}

// withLock runs fn while holding the state lock. The lock is released on a
// context that ignores cancellation so an interrupted run still unlocks.
func withLock(ctx context.Context, backend state.Backend, fn func() error) error {
	if err := backend.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := backend.Unlock(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("failed to release state lock", "error", err)
		}
	}()
	return fn()
}

// newEngine returns an engine configured from stack settings, with
// --parallelism taking precedence.
func newEngine(cfg *ir.Config, parallelism int) (*engine.Engine, error) {
	eng := engine.NewEngine(newRegistry())
	eng.Metrics = metrics
	if cfg != nil {
		if err := eng.Configure(cfg.Settings); err != nil {
			return nil, err
		}
	}
	if parallelism > 0 {
		eng.Parallelism = parallelism
	}
	return eng, nil
}

// persist writes state even when the run was cancelled.
func persist(ctx context.Context, backend state.Backend, st *ir.State) error {
	if err := backend.Write(context.WithoutCancel(ctx), st); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// recordRun stores the report in the history database. Failures are
// logged and never fail the command.
func recordRun(ctx context.Context, report *ir.Report) {
	if globals.noHistory || report == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	store, err := history.Open(ctx, history.DefaultPath)
	if err != nil {
		logging.Warn("failed to open run history", "error", err)
		return
	}
	defer store.Close()
	if err := store.Record(ctx, report); err != nil {
		logging.Warn("failed to record run", "run_id", report.RunID, "error", err)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// printEvent is an engine callback printing one line per node transition.
func printEvent(ev engine.ApplyEvent) {
	label := fmt.Sprintf("%s %s", actionStyle(ev.Action).Sprint(strings.ToLower(string(ev.Action))), ev.ID)
	switch ev.Status {
	case "started":
		pterm.Info.Println(label + "...")
	case "completed":
		pterm.Success.Printfln("%s (%s)", label, ev.Duration.Round(time.Millisecond))
	case "failed":
		pterm.Error.Printfln("%s: %v", label, ev.Error)
	case "blocked":
		pterm.Warning.Println(label + " blocked by a failed dependency")
	}
}

func actionSymbol(a ir.Action) string {
	switch a {
	case ir.ActionCreate:
		return "+"
	case ir.ActionDelete:
		return "-"
	case ir.ActionReplace:
		return "-/+"
	case ir.ActionUpdate:
		return "~"
	default:
		return " "
	}
}

func actionStyle(a ir.Action) *pterm.Style {
	switch a {
	case ir.ActionCreate:
		return pterm.NewStyle(pterm.FgGreen)
	case ir.ActionDelete:
		return pterm.NewStyle(pterm.FgRed)
	case ir.ActionUpdate, ir.ActionReplace:
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgDefault)
	}
}

func statusStyle(s ir.Status) *pterm.Style {
	switch s {
	case ir.StatusReady, ir.StatusDestroyed:
		return pterm.NewStyle(pterm.FgGreen)
	case ir.StatusFailed:
		return pterm.NewStyle(pterm.FgRed)
	case ir.StatusBlocked:
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgDarkGray)
	}
}

// renderPlan prints every change with its property diff, then the summary.
func renderPlan(plan *ir.Plan) {
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			continue
		}
		style := actionStyle(change.Action)
		header := fmt.Sprintf("%s %s (%s) will be %s", actionSymbol(change.Action), change.ID, change.Kind, strings.ToLower(string(change.Action)))
		if change.Strategy != "" {
			header += ", " + string(change.Strategy)
		}
		pterm.Println(style.Sprint(header))
		if change.Reason != "" {
			pterm.Println(pterm.FgDarkGray.Sprint("    # " + change.Reason))
		}
		renderPropertyDiff(change.Diff)
		pterm.Println()
	}
	renderPlanSummary(plan)
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(diff map[string]*ir.PropertyDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := diff[key]
		after := formatValue(d.After)
		if d.Unknown {
			after += " (known after apply)"
		}
		var suffix string
		if d.ForcesReplacement {
			suffix += pterm.FgRed.Sprint(" # forces replacement")
		}
		if d.Drift {
			suffix += pterm.FgMagenta.Sprint(" # drift")
		}
		switch d.Action {
		case "create":
			pterm.Println(pterm.FgGreen.Sprintf("      + %s = %s", key, after) + suffix)
		case "delete":
			pterm.Println(pterm.FgRed.Sprintf("      - %s = %s", key, formatValue(d.Before)) + suffix)
		default:
			pterm.Println(pterm.FgYellow.Sprintf("      ~ %s = %s -> %s", key, formatValue(d.Before), after) + suffix)
		}
	}
}

func renderPlanSummary(plan *ir.Plan) {
	s := plan.Summary
	pterm.DefaultSection.Println("Plan")
	pterm.Printfln("%s to create, %s to update, %s to replace, %s to delete, %d unchanged.",
		pterm.FgGreen.Sprint(s.Create), pterm.FgYellow.Sprint(s.Update), pterm.FgYellow.Sprint(s.Replace),
		pterm.FgRed.Sprint(s.Delete), s.NoOp)
	if len(plan.Layers) > 0 {
		pterm.Printfln("%d resource(s) in %d layer(s).", len(plan.Changes)-s.Delete, len(plan.Layers))
	}
}

// renderReport prints a table of node results and the run summary.
func renderReport(report *ir.Report) {
	data := [][]string{{"Resource", "Kind", "Action", "Status", "Physical ID", "Attempts", "Duration", "Detail"}}
	for _, n := range report.Nodes {
		detail := n.Error
		if n.BlockedBy != "" {
			detail = "blocked by " + n.BlockedBy
		}
		attempts := ""
		if n.Attempts > 0 {
			attempts = fmt.Sprint(n.Attempts)
		}
		data = append(data, []string{
			n.ID,
			n.Kind,
			actionStyle(n.Action).Sprint(string(n.Action)),
			statusStyle(n.Status).Sprint(string(n.Status)),
			n.PhysicalID,
			attempts,
			n.Duration.Round(time.Millisecond).String(),
			truncate(detail, 80),
		})
	}
	pterm.Println()
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	s := report.Summary()
	pterm.DefaultSection.Printfln("%s: %s", report.Command, report.Status())
	pterm.Printfln("%d ready, %d destroyed, %d failed, %d blocked, %d pending (run %s)",
		s.Ready, s.Destroyed, s.Failed, s.Blocked, s.Pending, report.RunID)
	if report.Cancelled {
		pterm.Warning.Println("Run was interrupted; pending resources were not started.")
	}
}

// renderOutputs prints exported outputs. Sensitive values are masked.
func renderOutputs(values map[string]*ir.OutputValue) {
	if len(values) == 0 {
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	data := [][]string{{"Output", "Value"}}
	for _, name := range names {
		v := values[name]
		var shown string
		switch {
		case !v.Resolved:
			shown = pterm.FgYellow.Sprint("<unresolved: " + v.Reason + ">")
		case v.Sensitive:
			shown = "<sensitive>"
		default:
			shown = fmt.Sprint(v.Value)
		}
		data = append(data, []string{name, shown})
	}
	pterm.DefaultSection.Println("Outputs")
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// runError turns an unsuccessful report into a command error.
func runError(report *ir.Report) error {
	if report.Succeeded() {
		return nil
	}
	s := report.Summary()
	if report.Cancelled {
		return fmt.Errorf("%s interrupted: %d pending", report.Command, s.Pending)
	}
	return fmt.Errorf("%s %s: %d failed, %d blocked", report.Command, report.Status(), s.Failed, s.Blocked)
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// confirm asks before a mutating run unless auto-approve is set.
func confirm(autoApprove bool, question string) (bool, error) {
	if autoApprove {
		return true, nil
	}
	return pterm.DefaultInteractiveConfirm.WithDefaultValue(false).Show(question)
}
