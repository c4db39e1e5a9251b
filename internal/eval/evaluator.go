package eval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
)

// Options carries the variable sources layered over a stack's own
// variables, lowest precedence first.
type Options struct {
	// EnvFile is a dotenv file. Empty means ".env" next to the stack; a
	// missing file is ignored.
	EnvFile string
	// Environ is the process environment in KEY=value form. Nil means
	// os.Environ().
	Environ []string
	// Vars are --var name=value overrides.
	Vars map[string]string
}

// Evaluator loads stack files into IR types.
type Evaluator struct {
	projectDir string
	validate   *validator.Validate
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
		validate:   validator.New(),
	}
}

// LoadConfig reads a YAML or PKL stack file, resolves variables, drops
// declarations whose condition is false and validates the result.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, opts Options) (*ir.Config, error) {
	var (
		cfg *ir.Config
		err error
	)
	switch strings.ToLower(filepath.Ext(entryPoint)) {
	case ".pkl":
		cfg, err = e.loadPkl(ctx, entryPoint, opts.Vars)
	case ".yaml", ".yml", ".json":
		cfg, err = loadYAML(entryPoint)
	default:
		return nil, fmt.Errorf("unsupported stack file %s: expected .yaml, .yml, .json or .pkl", entryPoint)
	}
	if err != nil {
		return nil, err
	}

	if opts.EnvFile == "" {
		opts.EnvFile = filepath.Join(filepath.Dir(entryPoint), ".env")
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}

	vars, err := ResolveVariables(cfg.Variables, opts)
	if err != nil {
		return nil, err
	}
	cfg.Variables = vars

	if err := SubstituteVariables(cfg, vars); err != nil {
		return nil, err
	}

	cfg.Resources, err = FilterDeclarations(cfg.Resources, vars)
	if err != nil {
		return nil, err
	}

	if err := e.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("stack %s validation failed: %w", entryPoint, err)
	}

	logging.Debug("stack loaded", "file", entryPoint, "resources", len(cfg.Resources), "variables", len(vars))
	return cfg, nil
}

func loadYAML(path string) (*ir.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack file %s: %w", path, err)
	}
	var cfg ir.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse stack file %s: %w", path, err)
	}
	return &cfg, nil
}

// loadPkl evaluates a PKL module. A PklProject in the project directory
// enables package dependencies. Variable overrides are exposed as external
// properties, readable with read("prop:<name>").
func (e *Evaluator) loadPkl(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	var evaluator pkl.Evaluator
	if _, err := os.Stat(filepath.Join(e.projectDir, "PklProject")); err == nil {
		u, err := url.Parse("file://" + e.projectDir + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		if evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...); err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	} else {
		if evaluator, err = pkl.NewEvaluator(ctx, opts...); err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}
