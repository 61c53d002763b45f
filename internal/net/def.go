package net

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/bornbind/internal/layer"
)

// Def is a net definition file: Caffe's NetParameter written as YAML.
type Def struct {
	Name          string      `yaml:"name"`
	ForceBackward bool        `yaml:"force_backward"`
	Layers        []layer.Def `yaml:"layer"`
}

// LoadDef reads a net definition from path.
func LoadDef(path string) (*Def, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: definition path comes from the caller
	if err != nil {
		return nil, err
	}
	return ParseDef(data)
}

// ParseDef decodes a YAML net definition. Unknown keys are rejected so that
// misspelt parameters do not silently fall back to defaults.
func ParseDef(data []byte) (*Def, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d Def
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse net definition: %w", err)
	}
	return &d, nil
}

// filter returns the layers that belong to a net built for phase.
func (d *Def) filter(phase layer.Phase) []layer.Def {
	out := make([]layer.Def, 0, len(d.Layers))
	for _, l := range d.Layers {
		if l.InPhase(phase) {
			out = append(out, l)
		}
	}
	return out
}

type topRef struct{ layer, top int }

// insertSplits rewrites defs so that every top consumed by more than one
// bottom goes through a Split layer, giving each consumer its own diff.
func insertSplits(defs []layer.Def) []layer.Def {
	lastTop := make(map[string]topRef)
	source := make(map[[2]int]topRef)
	consumers := make(map[topRef]int)
	for i, d := range defs {
		for j, name := range d.Bottom {
			ref, ok := lastTop[name]
			if !ok {
				continue // reported as an unknown bottom during wiring
			}
			source[[2]int{i, j}] = ref
			consumers[ref]++
		}
		for j, name := range d.Top {
			lastTop[name] = topRef{i, j}
		}
	}

	next := make(map[topRef]int)
	out := make([]layer.Def, 0, len(defs))
	for i, d := range defs {
		d.Bottom = append([]string(nil), d.Bottom...)
		for j, name := range d.Bottom {
			ref, ok := source[[2]int{i, j}]
			if !ok || consumers[ref] < 2 {
				continue
			}
			d.Bottom[j] = splitTopName(name, defs[ref.layer].Name, ref.top, next[ref])
			next[ref]++
		}
		out = append(out, d)

		for j, name := range d.Top {
			ref := topRef{i, j}
			n := consumers[ref]
			if n < 2 {
				continue
			}
			s := layer.Def{
				Name:   fmt.Sprintf("%s_%s_%d_split", name, d.Name, j),
				Type:   "Split",
				Bottom: []string{name},
			}
			for k := range n {
				s.Top = append(s.Top, splitTopName(name, d.Name, j, k))
			}
			out = append(out, s)
		}
	}
	return out
}

func splitTopName(blob, layerName string, top, index int) string {
	return fmt.Sprintf("%s_%s_%d_split_%d", blob, layerName, top, index)
}
