package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/bornbind/shim"
)

// Script is a sequence of shim commands.
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Step is one command invocation.
type Step struct {
	Cmd   string `yaml:"cmd"`
	Args  []any  `yaml:"args"`
	As    string `yaml:"as"`
	Print bool   `yaml:"print"`
}

// hostArray is the YAML form of a shim.Array.
type hostArray struct {
	Dims  []int     `yaml:"dims"`
	Data  []float32 `yaml:"data"`
	Order string    `yaml:"order,omitempty"`
}

func loadScript(path string) (*Script, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: script path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, errors.New("script has no steps")
	}
	for i, st := range s.Steps {
		if st.Cmd == "" {
			return nil, fmt.Errorf("step %d: missing cmd", i+1)
		}
	}
	return &s, nil
}

// runner executes scripts against one shim, keeping named results.
// Printed results are written as a YAML document stream.
type runner struct {
	shim *shim.Shim
	enc  *yaml.Encoder
	vars map[string]any
}

func newRunner(s *shim.Shim, out io.Writer) *runner {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	return &runner{shim: s, enc: enc, vars: make(map[string]any)}
}

func (r *runner) run(s *Script) error {
	for i, st := range s.Steps {
		if err := r.step(st); err != nil {
			_ = r.enc.Close()
			return fmt.Errorf("step %d (%s): %w", i+1, st.Cmd, err)
		}
	}
	return r.enc.Close()
}

func (r *runner) step(st Step) error {
	args := make([]any, len(st.Args))
	for i, a := range st.Args {
		v, err := r.arg(a)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		args[i] = v
	}

	out, err := r.shim.Call(st.Cmd, args...)
	if err != nil {
		return err
	}

	var result any
	switch len(out) {
	case 0:
	case 1:
		result = out[0]
	default:
		result = out
	}
	if st.As != "" {
		r.vars[st.As] = result
	}
	if st.Print {
		return r.print(st.Cmd, result)
	}
	return nil
}

// arg converts a decoded YAML value into a shim argument.
func (r *runner) arg(v any) (any, error) {
	switch v := v.(type) {
	case int:
		return float64(v), nil
	case string:
		switch {
		case strings.HasPrefix(v, "$$"):
			return v[1:], nil
		case strings.HasPrefix(v, "$"):
			return r.ref(v[1:])
		}
		return v, nil
	case []any:
		return numbers(v)
	case map[string]any:
		return toArray(v)
	}
	return v, nil
}

func numbers(vals []any) ([]float64, error) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		switch n := v.(type) {
		case int:
			out[i] = float64(n)
		case float64:
			out[i] = n
		default:
			return nil, fmt.Errorf("list element %d is %T, want a number", i, v)
		}
	}
	return out, nil
}

func toArray(m map[string]any) (*shim.Array, error) {
	// Round-trip through YAML so the struct tags do the field work.
	raw, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var h hostArray
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("host array: %w", err)
	}
	return h.array()
}

func (h hostArray) array() (*shim.Array, error) {
	if len(h.Dims) == 0 {
		return nil, errors.New("host array: missing dims")
	}
	a := shim.NewArray(h.Dims...)
	if len(h.Data) != len(a.Data) {
		return nil, fmt.Errorf("host array: dims %v need %d values, got %d", h.Dims, len(a.Data), len(h.Data))
	}
	copy(a.Data, h.Data)
	switch h.Order {
	case "", "column-major":
	case "row-major":
		a.Order = shim.RowMajor
	default:
		return nil, fmt.Errorf("host array: unknown order %q", h.Order)
	}
	return a, nil
}

// ref resolves name.Field.N against the bound results.
func (r *runner) ref(path string) (any, error) {
	parts := strings.Split(path, ".")
	v, ok := r.vars[parts[0]]
	if !ok {
		return nil, fmt.Errorf("undefined variable $%s", parts[0])
	}
	rv := reflect.ValueOf(v)
	for _, p := range parts[1:] {
		for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return nil, fmt.Errorf("$%s: nil before %q", path, p)
			}
			rv = rv.Elem()
		}
		switch rv.Kind() {
		case reflect.Struct:
			f := rv.FieldByName(p)
			if !f.IsValid() {
				return nil, fmt.Errorf("$%s: %s has no field %q", path, rv.Type(), p)
			}
			rv = f
		case reflect.Slice, reflect.Array:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= rv.Len() {
				return nil, fmt.Errorf("$%s: index %q out of range [0, %d)", path, p, rv.Len())
			}
			rv = rv.Index(i)
		default:
			return nil, fmt.Errorf("$%s: cannot select %q from %s", path, p, rv.Type())
		}
	}
	return rv.Interface(), nil
}

func (r *runner) print(cmd string, v any) error {
	if a, ok := v.(*shim.Array); ok {
		h := hostArray{Dims: a.Dims, Data: a.Data}
		if a.Order == shim.RowMajor {
			h.Order = "row-major"
		}
		v = h
	}
	return r.enc.Encode(map[string]any{cmd: v})
}
