package solver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/caffepb"
	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/net"
	"github.com/born-ml/bornbind/internal/serialization"
)

// Snapshot file extensions.
const (
	ModelExt     = ".caffemodel"
	StateExt     = ".solverstate"
	BornStateExt = ".solverstate.born"
)

// Snapshot writes the weights and the solver state under the default name
// <snapshot_prefix>_iter_<iter> and returns the state file path.
func (s *Solver) Snapshot() (string, error) {
	prefix := s.def.SnapshotPrefix
	if prefix == "" {
		prefix = "solver"
	}
	return s.snapshotTo(prefix + "_iter_" + strconv.Itoa(s.iter))
}

// SnapshotAs writes the snapshot under name instead of the default naming.
// A known weight or state extension on name is replaced.
func (s *Solver) SnapshotAs(name string) (string, error) {
	if name == "" {
		return s.Snapshot()
	}
	for _, ext := range []string{BornStateExt, StateExt, ModelExt, net.BornExt} {
		if strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	return s.snapshotTo(name)
}

func (s *Solver) snapshotTo(base string) (string, error) {
	born := s.def.SnapshotFormat == "born"
	model, state := base+ModelExt, base+StateExt
	if born {
		model, state = base+net.BornExt, base+BornStateExt
	}

	log.Info(log.CatSolver, "Snapshotting to "+model)
	if s.def.SnapshotDiff && !born {
		if err := caffepb.WriteNetFile(model, s.net.ToProto(true)); err != nil {
			return "", err
		}
	} else if err := s.net.Save(model); err != nil {
		return "", err
	}

	history, err := s.history()
	if err != nil {
		return "", err
	}
	log.Info(log.CatSolver, "Snapshotting solver state to "+state)
	learned := filepath.Base(model)
	if born {
		h := serialization.Header{
			Kind:      serialization.KindSolverState,
			Name:      s.net.Name(),
			CreatedAt: time.Now().UTC(),
			Solver: &serialization.SolverMeta{
				Type:        s.def.Type,
				Iter:        s.iter,
				CurrentStep: s.currentStep,
				LearnedNet:  learned,
			},
		}
		entries := make([]serialization.Entry, len(history))
		for i, b := range history {
			entries[i] = serialization.Entry{Name: historyName(i), Raw: b.DataAs(b.Shape()...)}
		}
		err = serialization.WriteFile(state, h, entries)
	} else {
		st := &caffepb.SolverState{
			Iter:        int32(s.iter),        //nolint:gosec // G115: iteration counts fit in int32
			CurrentStep: int32(s.currentStep), //nolint:gosec // G115: step counts fit in int32
			LearnedNet:  learned,
		}
		for _, b := range history {
			st.History = append(st.History, b.ToProto(false))
		}
		err = caffepb.WriteSolverStateFile(state, st)
	}
	for _, b := range history {
		b.Release()
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

func historyName(i int) string { return "history." + strconv.Itoa(i) }

// historySlots names the per-parameter state each solver type keeps, in the
// order its history blobs are laid out: every param's first slot, then
// every param's second, as Caffe's AdamSolver stores m then v.
func historySlots(typ string) []string {
	if typ == "Adam" {
		return []string{"m", "v"}
	}
	return []string{"velocity"}
}

// stateKey is the optimizer state dict key of slot for the k-th param of a
// group.
func stateKey(slot string, k int) string { return slot + "." + strconv.Itoa(k) }

// history returns len(slots) blobs per learnable param copied from the
// optimizers' state dicts, zero where no state has built up yet or the
// param is never updated.
func (s *Solver) history() ([]*blob.Blob, error) {
	params := s.net.LearnableParams()
	slots := historySlots(s.def.Type)
	out := make([]*blob.Blob, len(slots)*len(params))
	for _, g := range s.groups {
		st, ok := g.opt.(stateful)
		if !ok {
			continue
		}
		dict := st.StateDict()
		for j, slot := range slots {
			for k, i := range g.indices {
				v, ok := dict[stateKey(slot, k)]
				if !ok {
					continue
				}
				h, err := blob.New(params[i].Shape()...)
				if err != nil {
					return nil, err
				}
				if err := h.CopyDataFrom(v); err != nil {
					return nil, fmt.Errorf("%s of param %d: %w", slot, i, err)
				}
				out[j*len(params)+i] = h
			}
		}
	}
	for n, h := range out {
		if h == nil {
			out[n] = blob.MustNew(params[n%len(params)].Shape()...)
		}
	}
	return out, nil
}

// Restore resumes from a state file written by Snapshot: the iteration
// counters, the weights it names and the optimizer history.
func (s *Solver) Restore(path string) error {
	var (
		iter, step int
		learned    string
		history    [][]float32
	)
	if net.IsBornPath(path) {
		f, err := serialization.ReadFile(path, serialization.ReaderOptions{})
		if err != nil {
			return err
		}
		if f.Header.Kind != serialization.KindSolverState || f.Header.Solver == nil {
			return fmt.Errorf("%s: not a solver state container (kind %q)", path, f.Header.Kind)
		}
		iter, step, learned = f.Header.Solver.Iter, f.Header.Solver.CurrentStep, f.Header.Solver.LearnedNet
		for i := range f.Entries {
			e := f.Entry(historyName(i))
			if e == nil {
				return fmt.Errorf("%s: missing %s", path, historyName(i))
			}
			history = append(history, e.Raw.AsFloat32())
		}
	} else {
		st, err := caffepb.ReadSolverStateFile(path)
		if err != nil {
			return err
		}
		iter, step, learned = int(st.Iter), int(st.CurrentStep), st.LearnedNet
		for _, h := range st.History {
			history = append(history, h.Data)
		}
	}

	if learned != "" {
		if err := s.net.CopyTrainedLayersFrom(locate(learned, filepath.Dir(path))); err != nil {
			return fmt.Errorf("restore weights: %w", err)
		}
	}
	if err := s.loadHistory(history, iter); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.iter, s.currentStep = iter, step
	log.Info(log.CatSolver, "Restored solver state", "path", path, "iter", iter)
	return nil
}

// locate resolves a learned_net path: as written when it exists, otherwise
// next to the state file.
func locate(learned, dir string) string {
	if filepath.IsAbs(learned) {
		return learned
	}
	if _, err := os.Stat(learned); err == nil {
		return learned
	}
	return filepath.Join(dir, learned)
}

// loadHistory hands the history blobs back to the optimizers under the keys
// history read them from, then brings optimizers that count their own steps
// up to iter so bias correction continues where the snapshot left off.
func (s *Solver) loadHistory(history [][]float32, iter int) error {
	params := s.net.LearnableParams()
	slots := historySlots(s.def.Type)
	if len(history) != 0 && len(history) != len(slots)*len(params) {
		return fmt.Errorf("incorrect length of history blobs: got %d, want %d for %d params",
			len(history), len(slots)*len(params), len(params))
	}
	for _, g := range s.groups {
		if len(history) != 0 {
			st, ok := g.opt.(stateful)
			if !ok {
				log.Warn(log.CatSolver, "optimizer state not restored; history restarts from zero", "type", s.def.Type)
				return nil
			}
			dict := make(map[string]*tensor.RawTensor, len(slots)*len(g.indices))
			for j, slot := range slots {
				for k, i := range g.indices {
					n := j*len(params) + i
					if len(history[n]) != params[i].Count() {
						return fmt.Errorf("history blob %d has %d values, param has %d", n, len(history[n]), params[i].Count())
					}
					raw, err := tensor.NewRaw(tensor.Shape{params[i].Count()}, tensor.Float32, tensor.CPU)
					if err != nil {
						return err
					}
					copy(raw.AsFloat32(), history[n])
					dict[stateKey(slot, k)] = raw
				}
			}
			if err := st.LoadStateDict(dict); err != nil {
				return err
			}
		}
		if ts, ok := g.opt.(timestepped); ok {
			// a step with no gradients only advances the counter
			for t := ts.GetTimestep(); t < iter; t++ {
				if err := stepSafely(g.opt, map[*tensor.RawTensor]*tensor.RawTensor{}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
