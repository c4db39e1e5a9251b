package eval

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/lakestack/internal/ir"
)

// VarEnvPrefix marks environment variables that set stack variables.
const VarEnvPrefix = "LAKESTACK_VAR_"

var varPattern = regexp.MustCompile(`\$\{var\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveVariables layers variable sources over the stack defaults: the
// dotenv file, then LAKESTACK_VAR_* environment, then explicit overrides.
// Values arriving as strings are converted to the type of the stack default
// when one exists.
func ResolveVariables(defaults map[string]any, opts Options) (map[string]any, error) {
	vars := make(map[string]any, len(defaults))
	for k, v := range defaults {
		vars[k] = ir.CopyValue(v)
	}

	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		}
		for _, k := range sortedNames(dotenv) {
			name, ok := strings.CutPrefix(k, VarEnvPrefix)
			if !ok {
				// Plain keys only set variables the stack declares.
				if _, declared := defaults[k]; !declared {
					continue
				}
				name = k
			}
			if err := setVar(vars, defaults, name, dotenv[k]); err != nil {
				return nil, fmt.Errorf("%s: %w", opts.EnvFile, err)
			}
		}
	}

	for _, kv := range opts.Environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name, ok := strings.CutPrefix(k, VarEnvPrefix); ok && name != "" {
			if err := setVar(vars, defaults, name, v); err != nil {
				return nil, fmt.Errorf("environment %s: %w", k, err)
			}
		}
	}

	for _, name := range sortedNames(opts.Vars) {
		if err := setVar(vars, defaults, name, opts.Vars[name]); err != nil {
			return nil, fmt.Errorf("--var %s: %w", name, err)
		}
	}
	return vars, nil
}

// ParseVarFlags splits name=value pairs from the command line.
func ParseVarFlags(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid variable %q: expected name=value", p)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func setVar(vars, defaults map[string]any, name, raw string) error {
	def, ok := defaults[name]
	if !ok || def == nil {
		vars[name] = raw
		return nil
	}
	if _, isString := def.(string); isString {
		vars[name] = raw
		return nil
	}
	var typed any
	if err := yaml.Unmarshal([]byte(raw), &typed); err != nil {
		return fmt.Errorf("cannot convert %q to %T: %w", raw, def, err)
	}
	if !sameKind(def, typed) {
		return fmt.Errorf("cannot convert %q to %T", raw, def)
	}
	vars[name] = ir.CopyValue(typed)
	return nil
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case int, int64, float64:
		switch b.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case []any:
		_, ok := b.([]any)
		return ok
	case map[string]any, map[any]any:
		switch b.(type) {
		case map[string]any, map[any]any:
			return true
		}
		return false
	}
	return true
}

// SubstituteVariables replaces ${var.name} placeholders in the stack name,
// resource ids, dependsOn, properties, forEach and output values. A
// placeholder that is the whole string takes the variable's value with its
// type.
func SubstituteVariables(cfg *ir.Config, vars map[string]any) error {
	var errs []error
	sub := func(where string, v any) any {
		out, err := substitute(v, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		return out
	}
	str := func(where, s string) string {
		out := sub(where, s)
		if s, ok := out.(string); ok {
			return s
		}
		return formatValue(out)
	}

	cfg.Name = str("name", cfg.Name)
	for i, d := range cfg.Resources {
		if d == nil {
			continue
		}
		where := fmt.Sprintf("resources[%d]", i)
		if d.ID != "" {
			where = d.ID
		}
		d.ID = str(where+".id", d.ID)
		for j, dep := range d.DependsOn {
			d.DependsOn[j] = str(where+".dependsOn", dep)
		}
		if d.Properties != nil {
			d.Properties = sub(where+".properties", ir.CopyMap(d.Properties)).(map[string]any)
		}
		if d.ForEach != nil {
			d.ForEach = sub(where+".forEach", ir.CopyMap(d.ForEach)).(map[string]any)
		}
	}
	for _, name := range sortedNames(cfg.Outputs) {
		if o := cfg.Outputs[name]; o != nil {
			o.Value = sub("output."+name, o.Value)
		}
	}
	return errors.Join(errs...)
}

func substitute(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if m := varPattern.FindStringSubmatch(val); m != nil && m[0] == val {
			resolved, ok := vars[m[1]]
			if !ok {
				return val, fmt.Errorf("unknown variable %q", m[1])
			}
			return ir.CopyValue(resolved), nil
		}
		var errs []error
		out := varPattern.ReplaceAllStringFunc(val, func(m string) string {
			name := varPattern.FindStringSubmatch(m)[1]
			resolved, ok := vars[name]
			if !ok {
				errs = append(errs, fmt.Errorf("unknown variable %q", name))
				return m
			}
			return formatValue(resolved)
		})
		return out, errors.Join(errs...)
	case map[string]any:
		var errs []error
		for k, item := range val {
			r, err := substitute(item, vars)
			if err != nil {
				errs = append(errs, err)
			}
			val[k] = r
		}
		return val, errors.Join(errs...)
	case []any:
		var errs []error
		for i, item := range val {
			r, err := substitute(item, vars)
			if err != nil {
				errs = append(errs, err)
			}
			val[i] = r
		}
		return val, errors.Join(errs...)
	default:
		return v, nil
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
	}
	return fmt.Sprintf("%v", v)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range maps.Keys(m) {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
