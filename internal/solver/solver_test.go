package solver

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/caffepb"
	"github.com/born-ml/bornbind/internal/net"
)

const toyNet = `
name: toy
layer:
  - name: data
    type: Input
    top: [data, label]
    input_param:
      shape:
        - dim: [4, 2]
        - dim: [4]
  - name: ip
    type: InnerProduct
    bottom: [data]
    top: [ip]
    inner_product_param:
      num_output: 2
  - name: loss
    type: SoftmaxWithLoss
    bottom: [ip, label]
    top: [loss]
  - name: accuracy
    type: Accuracy
    bottom: [ip, label]
    top: [accuracy]
    include:
      - phase: test
`

// writeSolver writes toyNet and the solver body into a fresh directory and
// returns the solver file path.
func writeSolver(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.yaml"), []byte(toyNet), 0o600))
	path := filepath.Join(dir, "solver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newSolver(t *testing.T, body string) *Solver {
	t.Helper()
	s, err := New(writeSolver(t, body), cpu.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	feed(t, s.Net())
	for _, tn := range s.TestNets() {
		feed(t, tn)
	}
	return s
}

func feed(t *testing.T, n *net.Net) {
	t.Helper()
	data, ok := n.BlobByName("data")
	require.True(t, ok)
	require.NoError(t, data.SetData([]float32{1, 0, 0, 1, 2, 0, 0, 2}))
	label, ok := n.BlobByName("label")
	require.True(t, ok)
	require.NoError(t, label.SetData([]float32{0, 1, 0, 1}))
}

func weights(t *testing.T, s *Solver) []float32 {
	t.Helper()
	ip, ok := s.Net().LayerByName("ip")
	require.True(t, ok)
	return append([]float32(nil), ip.Blobs()[0].Data()...)
}

func TestLearningRatePolicies(t *testing.T) {
	tests := []struct {
		name string
		def  Def
		iter int
		want float64
	}{
		{"fixed", Def{LRPolicy: "fixed", BaseLR: 0.1}, 50, 0.1},
		{"step", Def{LRPolicy: "step", BaseLR: 0.1, Gamma: 0.5, StepSize: 10}, 25, 0.025},
		{"exp", Def{LRPolicy: "exp", BaseLR: 1, Gamma: 0.9}, 2, 0.81},
		{"inv", Def{LRPolicy: "inv", BaseLR: 1, Gamma: 1, Power: 1}, 3, 0.25},
		{"poly", Def{LRPolicy: "poly", BaseLR: 1, Power: 2, MaxIter: 10}, 5, 0.25},
		{"sigmoid", Def{LRPolicy: "sigmoid", BaseLR: 1, Gamma: 1, StepSize: 4}, 4, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Solver{def: &tt.def, iter: tt.iter}
			got, err := s.learningRate()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestMultiStepPolicy(t *testing.T) {
	s := &Solver{def: &Def{LRPolicy: "multistep", BaseLR: 1, Gamma: 0.1, StepValue: []int{2, 4}}}
	var got []float64
	for s.iter = 0; s.iter < 6; s.iter++ {
		lr, err := s.learningRate()
		require.NoError(t, err)
		got = append(got, float64(lr))
	}
	assert.InDeltaSlice(t, []float64{1, 1, 0.1, 0.1, 0.01, 0.01}, got, 1e-6)
	assert.Equal(t, 2, s.currentStep)
}

func TestLearningRateErrors(t *testing.T) {
	_, err := (&Solver{def: &Def{LRPolicy: "poly", BaseLR: 1}}).learningRate()
	assert.Error(t, err)
	_, err = (&Solver{def: &Def{LRPolicy: "cosine"}}).learningRate()
	assert.ErrorContains(t, err, "cosine")
}

func TestParseDefDefaults(t *testing.T) {
	d, err := ParseDef([]byte("net: n.yaml\nbase_lr: 0.01\n"))
	require.NoError(t, err)
	assert.Equal(t, "SGD", d.Type)
	assert.Equal(t, "fixed", d.LRPolicy)
	assert.Equal(t, 1, d.IterSize)
	assert.Equal(t, "L2", d.RegularizationType)
	assert.Equal(t, "caffemodel", d.SnapshotFormat)
}

func TestParseDefErrors(t *testing.T) {
	for name, body := range map[string]string{
		"no net":         "base_lr: 1\n",
		"both nets":      "net: a\ntrain_net: b\n",
		"solver type":    "net: a\ntype: RMSProp\n",
		"regularization": "net: a\nregularization_type: L3\n",
		"format":         "net: a\nsnapshot_format: hdf5\n",
		"stepsize":       "net: a\nlr_policy: step\n",
		"test_iter":      "net: a\ntest_interval: 10\n",
		"unknown field":  "net: a\nlearning_rate: 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDef([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefResolvesPaths(t *testing.T) {
	path := writeSolver(t, "net: net.yaml\n")
	d, err := LoadDef(path)
	require.NoError(t, err)
	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "net.yaml"), d.Net)
	assert.Equal(t, filepath.Join(dir, "solver"), d.SnapshotPrefix)
}

func TestTestNetCountMismatch(t *testing.T) {
	_, err := New(writeSolver(t, "train_net: net.yaml\ntest_iter: [1]\n"), cpu.New())
	assert.ErrorContains(t, err, "test_iter must be specified")
}

func TestStepReducesLoss(t *testing.T) {
	for _, typ := range []string{"SGD", "Adam"} {
		t.Run(typ, func(t *testing.T) {
			s := newSolver(t, "net: net.yaml\ntype: "+typ+"\nbase_lr: 0.1\nmomentum: 0.9\n")
			before, err := s.Net().Forward()
			require.NoError(t, err)
			assert.InDelta(t, math.Ln2, before, 1e-6)

			require.NoError(t, s.Step(10))
			assert.Equal(t, 10, s.Iter())
			after, err := s.Net().Forward()
			require.NoError(t, err)
			assert.Less(t, after, before)
			assert.Positive(t, s.SmoothedLoss())
		})
	}
}

func TestLrMultZeroFreezesParam(t *testing.T) {
	dir := t.TempDir()
	frozen := strings.Replace(toyNet, "    inner_product_param:\n      num_output: 2\n",
		"    param: [{lr_mult: 0}, {lr_mult: 2}]\n    inner_product_param:\n      num_output: 2\n", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.yaml"), []byte(frozen), 0o600))
	path := filepath.Join(dir, "solver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("net: net.yaml\nbase_lr: 0.1\n"), 0o600))

	s, err := New(path, cpu.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	feed(t, s.Net())
	label, _ := s.Net().BlobByName("label")
	require.NoError(t, label.SetData([]float32{0, 0, 0, 1}))

	require.Len(t, s.groups, 1)
	assert.Equal(t, float32(2), s.groups[0].lrMult)
	require.NoError(t, s.Step(3))

	ip, _ := s.Net().LayerByName("ip")
	assert.Equal(t, make([]float32, 4), ip.Blobs()[0].Data())
	assert.NotEqual(t, make([]float32, 2), ip.Blobs()[1].Data())
}

func TestTestNetsShareWeights(t *testing.T) {
	s := newSolver(t, "net: net.yaml\nbase_lr: 0.5\ntest_iter: [2]\n")
	require.Len(t, s.TestNets(), 1)

	scores, err := s.Test(0)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "loss", scores[0].Name)
	assert.InDelta(t, math.Ln2, scores[0].Value, 1e-6)
	assert.Equal(t, "accuracy", scores[1].Name)

	require.NoError(t, s.Step(20))
	train, _ := s.Net().LayerByName("ip")
	test, _ := s.TestNets()[0].LayerByName("ip")
	assert.True(t, test.Blobs()[0].SharesDataWith(train.Blobs()[0]))

	scores, err = s.Test(0)
	require.NoError(t, err)
	assert.Less(t, scores[0].Value, float32(math.Ln2))
	assert.InDelta(t, 1.0, scores[1].Value, 1e-6)

	_, err = s.Test(1)
	assert.Error(t, err)
}

func TestSnapshotRestore(t *testing.T) {
	tests := []struct {
		typ, format string
	}{
		{"SGD", "caffemodel"},
		{"SGD", "born"},
		{"Adam", "caffemodel"},
		{"Adam", "born"},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.format, func(t *testing.T) {
			body := "net: net.yaml\ntype: " + tt.typ + "\nbase_lr: 0.1\nmomentum: 0.9\nsnapshot_format: " + tt.format + "\n"
			s := newSolver(t, body)
			require.NoError(t, s.Step(3))
			state, err := s.Snapshot()
			require.NoError(t, err)
			assert.FileExists(t, state)
			assert.Contains(t, filepath.Base(state), "solver_iter_3")

			r := newSolver(t, body)
			require.NoError(t, r.Restore(state))
			assert.Equal(t, 3, r.Iter())
			assert.InDeltaSlice(t, weights(t, s), weights(t, r), 1e-7)

			// History carries over, so one more step matches the run that
			// never stopped.
			require.NoError(t, s.Step(1))
			require.NoError(t, r.Step(1))
			assert.InDeltaSlice(t, weights(t, s), weights(t, r), 1e-6)
			require.NoError(t, s.Step(2))
			require.NoError(t, r.Step(2))
			assert.InDeltaSlice(t, weights(t, s), weights(t, r), 1e-5)
		})
	}
}

func TestAdamHistoryLayout(t *testing.T) {
	s := newSolver(t, "net: net.yaml\ntype: Adam\nbase_lr: 0.1\n")
	require.NoError(t, s.Step(2))
	state, err := s.Snapshot()
	require.NoError(t, err)

	st, err := caffepb.ReadSolverStateFile(state)
	require.NoError(t, err)
	params := s.Net().LearnableParams()
	require.Len(t, st.History, 2*len(params))
	for i, p := range params {
		m, v := st.History[i], st.History[len(params)+i]
		assert.Len(t, m.Data, p.Count())
		assert.Len(t, v.Data, p.Count())
		assert.NotEqual(t, make([]float32, p.Count()), v.Data, "second moment of param %d", i)
	}
}

func TestRestoreWithoutHistoryKeepsBiasCorrection(t *testing.T) {
	// Adam's step count follows the restored iteration even without history.
	s := newSolver(t, "net: net.yaml\ntype: Adam\nbase_lr: 0.1\n")
	require.NoError(t, s.loadHistory(nil, 5))
	for _, g := range s.groups {
		ts, ok := g.opt.(timestepped)
		require.True(t, ok)
		assert.Equal(t, 5, ts.GetTimestep())
	}
}

func TestSnapshotAs(t *testing.T) {
	s := newSolver(t, "net: net.yaml\nbase_lr: 0.1\n")
	require.NoError(t, s.Step(1))
	base := filepath.Join(t.TempDir(), "final")
	state, err := s.SnapshotAs(base + ModelExt)
	require.NoError(t, err)
	assert.Equal(t, base+StateExt, state)
	assert.FileExists(t, base+ModelExt)
}

func TestReallocatedParamStillUpdates(t *testing.T) {
	tests := []string{"SGD", "Adam"}
	for _, typ := range tests {
		t.Run(typ, func(t *testing.T) {
			s := newSolver(t, "net: net.yaml\ntype: "+typ+"\nbase_lr: 0.1\nmomentum: 0.9\n")
			require.NoError(t, s.Step(1))

			w := s.Net().LearnableParams()[0]
			shape := w.Shape()
			require.NoError(t, w.Reshape([]int{1}))
			require.NoError(t, w.Reshape(shape))
			init := []float32{0.5, -0.5, 0.25, -0.25}
			require.NoError(t, w.SetData(init))

			require.NoError(t, s.Step(1))
			assert.NotEqual(t, init, w.Data())
		})
	}
}

func TestRestoreRejectsWrongHistory(t *testing.T) {
	s := newSolver(t, "net: net.yaml\nbase_lr: 0.1\nmomentum: 0.9\n")
	err := s.loadHistory([][]float32{{1, 2, 3, 4}}, 0)
	assert.ErrorContains(t, err, "incorrect length of history blobs")
	err = s.loadHistory([][]float32{{1}, {1, 2}}, 0)
	assert.ErrorContains(t, err, "history blob 0")
	assert.NoError(t, s.loadHistory(nil, 0))

	a := newSolver(t, "net: net.yaml\ntype: Adam\nbase_lr: 0.1\n")
	err = a.loadHistory([][]float32{{1, 2, 3, 4}, {1, 2}}, 0)
	assert.ErrorContains(t, err, "want 4 for 2 params")
}

func TestSolveSnapshotsAfterTraining(t *testing.T) {
	s := newSolver(t, "net: net.yaml\nbase_lr: 0.1\nmax_iter: 4\ndisplay: 2\n")
	require.NoError(t, s.Solve())
	assert.Equal(t, 4, s.Iter())
	assert.FileExists(t, s.Param().SnapshotPrefix+"_iter_4"+StateExt)
	assert.FileExists(t, s.Param().SnapshotPrefix+"_iter_4"+ModelExt)
}

func TestRegularizeAndClip(t *testing.T) {
	p := blob.MustNew(2)
	require.NoError(t, p.SetData([]float32{2, -1}))
	require.NoError(t, p.SetDiff([]float32{0, 0}))

	s := &Solver{def: &Def{RegularizationType: "L2", IterSize: 1}}
	s.regularize(p, 0.5)
	assert.Equal(t, []float32{1, -0.5}, p.Diff())

	s.def.RegularizationType = "L1"
	s.regularize(p, 0.5)
	assert.Equal(t, []float32{1.5, -1}, p.Diff())

	require.NoError(t, p.SetDiff([]float32{3, 4}))
	s.def.ClipGradients = 1
	s.clipGradients([]*blob.Blob{p})
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, p.Diff(), 1e-6)

	s.def.IterSize = 2
	s.normalize(p)
	assert.InDeltaSlice(t, []float32{0.3, 0.4}, p.Diff(), 1e-6)
}

func TestStepRejectsNegative(t *testing.T) {
	s := newSolver(t, "net: net.yaml\nbase_lr: 0.1\n")
	assert.Error(t, s.Step(-1))
}
