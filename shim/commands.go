// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package shim

import (
	"fmt"
	"path/filepath"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/caffepb"
	"github.com/born-ml/bornbind/internal/device"
	"github.com/born-ml/bornbind/internal/handle"
	"github.com/born-ml/bornbind/internal/host"
	"github.com/born-ml/bornbind/internal/layer"
	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/net"
	"github.com/born-ml/bornbind/internal/solver"
)

type command struct {
	name     string
	usage    string
	min, max int // arity
	fn       func(s *Shim, a args) ([]any, error)
}

func (c *command) run(s *Shim, vals []any) ([]any, error) {
	a := args{c: c, vals: vals}
	if err := a.count(c.min, c.max); err != nil {
		return nil, err
	}
	return c.fn(s, a)
}

// commands is searched front to back.
var commands = []command{
	{"get_solver", "Usage: bornbind('get_solver', solver_file)", 1, 1, getSolver},
	{"solver_get_attr", "Usage: bornbind('solver_get_attr', hSolver)", 1, 1, solverGetAttr},
	{"solver_get_iter", "Usage: bornbind('solver_get_iter', hSolver)", 1, 1, solverGetIter},
	{"solver_get_max_iter", "Usage: bornbind('solver_get_max_iter', hSolver)", 1, 1, solverGetMaxIter},
	{"solver_restore", "Usage: bornbind('solver_restore', hSolver, snapshot_file)", 2, 2, solverRestore},
	{"solver_solve", "Usage: bornbind('solver_solve', hSolver)", 1, 1, solverSolve},
	{"solver_step", "Usage: bornbind('solver_step', hSolver, iters)", 2, 2, solverStep},
	{"solver_snapshot", "Usage: bornbind('solver_snapshot', hSolver, save_file)", 2, 2, solverSnapshot},
	{"get_net", "Usage: bornbind('get_net', model_file, phase_name)", 2, 2, getNet},
	{"net_get_attr", "Usage: bornbind('net_get_attr', hNet)", 1, 1, netGetAttr},
	{"net_forward", "Usage: bornbind('net_forward', hNet, from_layer=0, to_layer=end)", 1, 3, netForward},
	{"net_backward", "Usage: bornbind('net_backward', hNet, from_layer=end, to_layer=0)", 1, 3, netBackward},
	{"net_copy_from", "Usage: bornbind('net_copy_from', hNet, weights_file)", 2, 2, netCopyFrom},
	{"net_reshape", "Usage: bornbind('net_reshape', hNet)", 1, 1, netReshape},
	{"net_save", "Usage: bornbind('net_save', hNet, save_file)", 2, 2, netSave},
	{"layer_get_attr", "Usage: bornbind('layer_get_attr', hLayer)", 1, 1, layerGetAttr},
	{"layer_get_type", "Usage: bornbind('layer_get_type', hLayer)", 1, 1, layerGetType},
	{"blob_get_shape", "Usage: bornbind('blob_get_shape', hBlob)", 1, 1, blobGetShape},
	{"blob_reshape", "Usage: bornbind('blob_reshape', hBlob, new_shape)", 2, 2, blobReshape},
	{"blob_get_data", "Usage: bornbind('blob_get_data', hBlob)", 1, 1, blobGetter(host.Data)},
	{"blob_set_data", "Usage: bornbind('blob_set_data', hBlob, new_data)", 2, 2, blobSetter(host.Data)},
	{"blob_get_diff", "Usage: bornbind('blob_get_diff', hBlob)", 1, 1, blobGetter(host.Diff)},
	{"blob_set_diff", "Usage: bornbind('blob_set_diff', hBlob, new_diff)", 2, 2, blobSetter(host.Diff)},
	{"set_mode_cpu", "Usage: bornbind('set_mode_cpu')", 0, 0, setMode(device.CPU)},
	{"set_mode_gpu", "Usage: bornbind('set_mode_gpu')", 0, 0, setMode(device.GPU)},
	{"set_device", "Usage: bornbind('set_device', device_id)", 1, 1, setDevice},
	{"get_init_key", "Usage: bornbind('get_init_key')", 0, 0, getInitKey},
	{"reset", "Usage: bornbind('reset')", 0, 0, reset},
	{"read_mean", "Usage: bornbind('read_mean', mean_proto_file)", 1, 1, readMean},
	{"write_mean", "Usage: bornbind('write_mean', mean_data, mean_proto_file)", 2, 2, writeMean},
	{"init_log", "Usage: bornbind('init_log', log_file)", 1, 1, initLog},
	{"version", "Usage: bornbind('version')", 0, 0, version},
	{"device_query", "Usage: bornbind('device_query')", 0, 0, deviceQuery},
}

func lookup(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func one(v any) ([]any, error) { return []any{v}, nil }

// done is the result of a command that returns nothing.
func done(err error) ([]any, error) { return nil, err }

// resolve unwraps handle argument i as a T.
func resolve[T any](s *Shim, a args, i int) (T, error) {
	h, err := a.handle(i)
	if err != nil {
		var zero T
		return zero, err
	}
	return handle.Resolve[T](s.reg, h)
}

func getSolver(s *Shim, a args) ([]any, error) {
	file, err := a.existingFile(0)
	if err != nil {
		return nil, err
	}
	sol, err := solver.New(file, s.dev.Backend())
	if err != nil {
		return nil, err
	}
	return one(s.reg.Own(handle.KindSolver, sol))
}

func solverGetAttr(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(SolverAttr{
		Net:      s.reg.Issue(sol.Net()),
		TestNets: handle.IssueAll(s.reg, sol.TestNets()),
	})
}

func solverGetIter(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(float64(sol.Iter()))
}

func solverGetMaxIter(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(float64(sol.MaxIter()))
}

func solverRestore(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	file, err := a.existingFile(1)
	if err != nil {
		return nil, err
	}
	return done(sol.Restore(file))
}

func solverSolve(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	return done(sol.Solve())
}

func solverStep(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	iters, err := a.int(1)
	if err != nil {
		return nil, err
	}
	return done(sol.Step(iters))
}

// solverSnapshot writes under the solver's default naming when save_file is
// empty, otherwise under save_file.
func solverSnapshot(s *Shim, a args) ([]any, error) {
	sol, err := resolve[*solver.Solver](s, a, 0)
	if err != nil {
		return nil, err
	}
	file, err := a.str(1)
	if err != nil {
		return nil, err
	}
	if _, err := sol.SnapshotAs(file); err != nil {
		return nil, err
	}
	return nil, nil
}

func getNet(s *Shim, a args) ([]any, error) {
	file, err := a.existingFile(0)
	if err != nil {
		return nil, err
	}
	name, err := a.str(1)
	if err != nil {
		return nil, err
	}
	var phase layer.Phase
	switch name {
	case "train":
		phase = layer.Train
	case "test":
		phase = layer.Test
	default:
		return nil, fmt.Errorf("unknown phase %q", name)
	}
	n, err := net.New(file, phase, s.dev.Backend())
	if err != nil {
		return nil, err
	}
	return one(s.reg.Own(handle.KindNet, n))
}

func netGetAttr(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(NetAttr{
		Layers:            handle.IssueAll(s.reg, n.Layers()),
		Blobs:             handle.IssueAll(s.reg, n.Blobs()),
		InputBlobIndices:  indices(n.InputBlobIndices()),
		OutputBlobIndices: indices(n.OutputBlobIndices()),
		LayerNames:        append([]string(nil), n.LayerNames()...),
		BlobNames:         append([]string(nil), n.BlobNames()...),
	})
}

func netForward(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	from, to, err := layerRange(a, 0, len(n.Layers())-1)
	if err != nil {
		return nil, err
	}
	_, err = n.ForwardFromTo(from, to)
	return done(err)
}

func netBackward(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	from, to, err := layerRange(a, len(n.Layers())-1, 0)
	if err != nil {
		return nil, err
	}
	return done(n.BackwardFromTo(from, to))
}

// layerRange reads the optional from/to layer arguments.
func layerRange(a args, from, to int) (int, int, error) {
	var err error
	if len(a.vals) > 1 {
		if from, err = a.int(1); err != nil {
			return 0, 0, err
		}
	}
	if len(a.vals) > 2 {
		if to, err = a.int(2); err != nil {
			return 0, 0, err
		}
	}
	return from, to, nil
}

func netCopyFrom(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	file, err := a.existingFile(1)
	if err != nil {
		return nil, err
	}
	return done(n.CopyTrainedLayersFrom(file))
}

func netReshape(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	return done(n.Reshape())
}

func netSave(s *Shim, a args) ([]any, error) {
	n, err := resolve[*net.Net](s, a, 0)
	if err != nil {
		return nil, err
	}
	file, err := a.str(1)
	if err != nil {
		return nil, err
	}
	return done(n.Save(file))
}

func layerGetAttr(s *Shim, a args) ([]any, error) {
	l, err := resolve[layer.Layer](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(LayerAttr{Blobs: handle.IssueAll(s.reg, l.Blobs())})
}

func layerGetType(s *Shim, a args) ([]any, error) {
	l, err := resolve[layer.Layer](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(l.Type())
}

func blobGetShape(s *Shim, a args) ([]any, error) {
	b, err := resolve[*blob.Blob](s, a, 0)
	if err != nil {
		return nil, err
	}
	return one(host.ShapeToHost(b.Shape()))
}

func blobReshape(s *Shim, a args) ([]any, error) {
	b, err := resolve[*blob.Blob](s, a, 0)
	if err != nil {
		return nil, err
	}
	dims, err := a.vec(1)
	if err != nil {
		return nil, err
	}
	shape, err := host.ShapeFromHost(dims)
	if err != nil {
		return nil, err
	}
	return done(b.Reshape(shape))
}

func blobGetter(f host.Field) func(*Shim, args) ([]any, error) {
	return func(s *Shim, a args) ([]any, error) {
		b, err := resolve[*blob.Blob](s, a, 0)
		if err != nil {
			return nil, err
		}
		return one(host.FromBlob(b, f, s.order, s.dev.Backend()))
	}
}

func blobSetter(f host.Field) func(*Shim, args) ([]any, error) {
	return func(s *Shim, a args) ([]any, error) {
		b, err := resolve[*blob.Blob](s, a, 0)
		if err != nil {
			return nil, err
		}
		arr, err := a.array(1)
		if err != nil {
			return nil, err
		}
		return done(host.ToBlob(arr, b, f, s.dev.Backend()))
	}
}

func setMode(m device.Mode) func(*Shim, args) ([]any, error) {
	return func(s *Shim, _ args) ([]any, error) {
		return done(s.dev.SetMode(m))
	}
}

func setDevice(s *Shim, a args) ([]any, error) {
	id, err := a.int(0)
	if err != nil {
		return nil, err
	}
	return done(s.dev.SetDevice(id))
}

func getInitKey(s *Shim, _ args) ([]any, error) {
	return one(s.reg.Key())
}

func reset(s *Shim, _ args) ([]any, error) {
	_, err := s.reset()
	return done(err)
}

func readMean(s *Shim, a args) ([]any, error) {
	file, err := a.existingFile(0)
	if err != nil {
		return nil, err
	}
	p, err := caffepb.ReadBlobFile(file)
	if err != nil {
		return nil, fmt.Errorf("could not read your mean file: %w", err)
	}
	var b blob.Blob
	if err := b.FromProto(p, true); err != nil {
		return nil, err
	}
	defer b.Release()
	log.Debug(log.CatIO, "Read mean file", "path", file, "shape", b.Shape())
	return one(host.FromBlob(&b, host.Data, s.order, s.dev.Backend()))
}

// writeMean stores a (width, height[, channels]) host array as a
// 1 x channels x height x width blob.
func writeMean(s *Shim, a args) ([]any, error) {
	arr, err := a.array(0)
	if err != nil {
		return nil, err
	}
	file, err := a.str(1)
	if err != nil {
		return nil, err
	}
	if len(arr.Dims) < 2 || len(arr.Dims) > 3 {
		return nil, fmt.Errorf("mean_data must have 2 or 3 dimensions, got %d", len(arr.Dims))
	}
	width, height, channels := arr.Dims[0], arr.Dims[1], 1
	if len(arr.Dims) == 3 {
		channels = arr.Dims[2]
	}
	b, err := blob.New(1, channels, height, width)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	if err := host.ToBlob(arr, b, host.Data, s.dev.Backend()); err != nil {
		return nil, err
	}
	if err := caffepb.WriteBlobFile(file, b.ToProto(false)); err != nil {
		return nil, err
	}
	log.Debug(log.CatIO, "Wrote mean file", "path", filepath.Clean(file), "shape", b.Shape())
	return nil, nil
}

func initLog(s *Shim, a args) ([]any, error) {
	file, err := a.str(0)
	if err != nil {
		return nil, err
	}
	cleanup, err := log.Init(file)
	if err != nil {
		return nil, err
	}
	s.closeLog = cleanup
	log.Info(log.CatShim, "Logging initialised", "version", Version)
	return nil, nil
}

func version(_ *Shim, _ args) ([]any, error) {
	return one(Version)
}

func deviceQuery(s *Shim, _ args) ([]any, error) {
	info := s.dev.Query()
	log.Info(log.CatDevice, "Device query", "mode", info.Mode, "backend", info.Backend, "cpu", info.CPU)
	return one(info)
}
