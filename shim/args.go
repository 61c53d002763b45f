// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package shim

import (
	"fmt"
	"math"
	"os"

	"github.com/born-ml/bornbind/internal/handle"
	"github.com/born-ml/bornbind/internal/host"
)

// args gives typed access to the arguments of one command. Every accessor
// fails with the command's usage line.
type args struct {
	c    *command
	vals []any
}

func (a args) usage() error {
	return fmt.Errorf("%w: %s", ErrUsage, a.c.usage)
}

func (a args) count(lo, hi int) error {
	if len(a.vals) < lo || len(a.vals) > hi {
		return a.usage()
	}
	return nil
}

func (a args) str(i int) (string, error) {
	if s, ok := a.vals[i].(string); ok {
		return s, nil
	}
	return "", a.usage()
}

func (a args) handle(i int) (handle.Handle, error) {
	switch h := a.vals[i].(type) {
	case handle.Handle:
		return h, nil
	case *handle.Handle:
		if h != nil {
			return *h, nil
		}
	}
	return handle.Handle{}, a.usage()
}

// num accepts a host double or any Go integer or float.
func (a args) num(i int) (float64, error) {
	switch v := a.vals[i].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}
	return 0, a.usage()
}

// int truncates a numeric argument toward zero.
func (a args) int(i int) (int, error) {
	v, err := a.num(i)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: argument %d (%v) is not an integer", ErrUsage, i+1, v)
	}
	return int(v), nil
}

func (a args) vec(i int) ([]float64, error) {
	switch v := a.vals[i].(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for j, d := range v {
			out[j] = float64(d)
		}
		return out, nil
	}
	return nil, a.usage()
}

func (a args) array(i int) (*host.Array, error) {
	if arr, ok := a.vals[i].(*host.Array); ok && arr != nil {
		return arr, nil
	}
	return nil, a.usage()
}

// existingFile returns argument i after checking that it names a readable
// regular file. Directories count as missing.
func (a args) existingFile(i int) (string, error) {
	path, err := a.str(i)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w %s", ErrFileNotFound, path)
	}
	f, err := os.Open(path) //nolint:gosec // G304: the host chooses which file to open
	if err != nil {
		return "", fmt.Errorf("%w %s", ErrFileNotFound, path)
	}
	_ = f.Close()
	return path, nil
}
