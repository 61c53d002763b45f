// Package solver trains a net with Born's optimizers.
//
// A Solver owns a training net and any number of test nets that share its
// learnable blobs. Each iteration clears the parameter diffs, runs iter_size
// forward/backward passes, regularises the accumulated gradients and hands
// them to a Born optimizer, one per distinct lr_mult so every group runs at
// base rate times its multiplier.
package solver

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/layer"
	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/net"
)

// updater is a Born optimizer whose rate can change between steps.
type updater interface {
	optim.Optimizer
	SetLR(lr float32)
}

// stateful is implemented by optimizers that can save their history.
type stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(map[string]*tensor.RawTensor) error
}

// timestepped is implemented by optimizers that count their own steps for
// bias correction.
type timestepped interface {
	GetTimestep() int
}

// group is the set of learnable params sharing one lr_mult.
type group struct {
	lrMult  float32
	indices []int // into Net().LearnableParams()
	params  []*nn.Parameter[tensor.Backend]
	opt     updater
}

// Solver drives training of a net.
type Solver struct {
	def      *Def
	backend  tensor.Backend
	net      *net.Net
	testNets []*net.Net

	iter        int
	currentStep int
	losses      []float32
	smoothed    float32

	groups []*group
}

// New loads the solver definition at path and builds its nets on backend.
func New(path string, backend tensor.Backend) (*Solver, error) {
	def, err := LoadDef(path)
	if err != nil {
		return nil, err
	}
	return FromDef(def, backend)
}

// FromDef builds a solver from a parsed definition whose paths are already
// resolved.
func FromDef(def *Def, backend tensor.Backend) (_ *Solver, err error) {
	s := &Solver{def: def, backend: backend}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	var r *rand.Rand
	if def.RandomSeed != nil && *def.RandomSeed >= 0 {
		seed := uint64(*def.RandomSeed)
		r = rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // G404: reproducible training, not security sensitive
	}

	logInfo("Creating training net from net file: %s", def.trainNet())
	trainDef, err := net.LoadDef(def.trainNet())
	if err != nil {
		return nil, err
	}
	s.net, err = net.FromDef(trainDef, &layer.Context{Backend: backend, Phase: layer.Train, Rand: r}, net.Options{})
	if err != nil {
		return nil, fmt.Errorf("training net: %w", err)
	}

	testPaths, err := def.testNets()
	if err != nil {
		return nil, err
	}
	for i, p := range testPaths {
		logInfo("Creating test net (#%d) specified by %s", i, p)
		td, err := net.LoadDef(p)
		if err != nil {
			return nil, err
		}
		tn, err := net.FromDef(td, &layer.Context{Backend: backend, Phase: layer.Test, Rand: r}, net.Options{})
		if err != nil {
			return nil, fmt.Errorf("test net #%d: %w", i, err)
		}
		s.testNets = append(s.testNets, tn)
		if err := tn.ShareTrainedLayersWith(s.net); err != nil {
			return nil, fmt.Errorf("test net #%d: %w", i, err)
		}
	}

	s.buildGroups()
	logInfo("Solver scaffolding done.")
	return s, nil
}

func (s *Solver) buildGroups() {
	params := s.net.LearnableParams()
	byMult := make(map[float32]*group)
	for i, m := range s.net.ParamLrMults() {
		if m == 0 {
			continue
		}
		g, ok := byMult[m]
		if !ok {
			g = &group{lrMult: m}
			byMult[m] = g
			s.groups = append(s.groups, g)
		}
		g.indices = append(g.indices, i)
	}

	for _, g := range s.groups {
		s.newOptimizer(g, params)
	}
}

// newOptimizer gives g a fresh Born optimizer over the current parameters of
// its blobs.
func (s *Solver) newOptimizer(g *group, params []*blob.Blob) {
	g.params = make([]*nn.Parameter[tensor.Backend], 0, len(g.indices))
	for _, i := range g.indices {
		g.params = append(g.params, params[i].Param(paramName(i), s.backend))
	}
	lr := s.def.BaseLR * g.lrMult
	switch s.def.Type {
	case "Adam":
		cfg := optim.AdamConfig{LR: lr, Betas: [2]float32{0.9, 0.999}, Eps: 1e-8}
		if s.def.Momentum != 0 {
			cfg.Betas[0] = s.def.Momentum
		}
		if s.def.Momentum2 != nil {
			cfg.Betas[1] = *s.def.Momentum2
		}
		if s.def.Delta != nil {
			cfg.Eps = *s.def.Delta
		}
		g.opt = optim.NewAdam(g.params, cfg, s.backend)
	default:
		g.opt = optim.NewSGD(g.params, optim.SGDConfig{LR: lr, Momentum: s.def.Momentum}, s.backend)
	}
}

func paramName(i int) string { return fmt.Sprintf("param.%d", i) }

// refreshGroups rebuilds the optimizer of any group whose blobs were
// reallocated by a count-changing Reshape or a ShareData since it was built.
// Born optimizers key their state on the parameter, so the old one would
// silently stop receiving updates.
func (s *Solver) refreshGroups(params []*blob.Blob) {
	for _, g := range s.groups {
		for k, i := range g.indices {
			if params[i].Param(paramName(i), s.backend) == g.params[k] {
				continue
			}
			log.Warn(log.CatSolver, "learnable blob reallocated; optimizer state for its group restarts",
				"param", i, "lr_mult", g.lrMult)
			s.newOptimizer(g, params)
			break
		}
	}
}

// Net returns the training net.
func (s *Solver) Net() *net.Net { return s.net }

// TestNets returns the test nets.
func (s *Solver) TestNets() []*net.Net { return s.testNets }

// Iter returns the number of completed iterations.
func (s *Solver) Iter() int { return s.iter }

// MaxIter returns max_iter from the definition.
func (s *Solver) MaxIter() int { return s.def.MaxIter }

// Param returns the solver definition.
func (s *Solver) Param() *Def { return s.def }

// SmoothedLoss returns the training loss averaged over the last
// average_loss iterations.
func (s *Solver) SmoothedLoss() float32 { return s.smoothed }

// Step runs iters training iterations.
func (s *Solver) Step(iters int) error {
	if iters < 0 {
		return fmt.Errorf("negative iteration count %d", iters)
	}
	start, stop := s.iter, s.iter+iters
	s.losses = s.losses[:0]
	s.smoothed = 0
	began := time.Now()

	for s.iter < stop {
		s.net.ClearParamDiffs()
		if s.def.TestInterval > 0 && s.iter%s.def.TestInterval == 0 &&
			(s.iter > 0 || s.testInitialization()) {
			if _, err := s.TestAll(); err != nil {
				return err
			}
		}

		var loss float32
		for range s.def.IterSize {
			l, err := s.net.ForwardBackward()
			if err != nil {
				return fmt.Errorf("iteration %d: %w", s.iter, err)
			}
			loss += l
		}
		loss /= float32(s.def.IterSize)
		s.updateSmoothedLoss(loss, start)

		display := s.def.Display > 0 && s.iter%s.def.Display == 0
		if display {
			rate := float64(s.iter-start) / math.Max(time.Since(began).Seconds(), 1e-9)
			logInfo("Iteration %d (%.4g iter/s), loss = %g", s.iter, rate, s.smoothed)
			s.logOutputs("Train", s.net)
		}
		if err := s.applyUpdate(display); err != nil {
			return err
		}
		s.iter++

		if s.def.Snapshot > 0 && s.iter%s.def.Snapshot == 0 {
			if _, err := s.Snapshot(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Solver) testInitialization() bool {
	return s.def.TestInitialization == nil || *s.def.TestInitialization
}

func (s *Solver) updateSmoothedLoss(loss float32, start int) {
	n := s.def.AverageLoss
	if len(s.losses) < n {
		s.losses = append(s.losses, loss)
		k := float32(len(s.losses))
		s.smoothed = (s.smoothed*(k-1) + loss) / k
		return
	}
	idx := (s.iter - start) % n
	s.smoothed += (loss - s.losses[idx]) / float32(n)
	s.losses[idx] = loss
}

// applyUpdate turns the accumulated diffs into a parameter update.
func (s *Solver) applyUpdate(display bool) error {
	rate, err := s.learningRate()
	if err != nil {
		return err
	}
	if display {
		logInfo("Iteration %d, lr = %g", s.iter, rate)
	}

	params := s.net.LearnableParams()
	s.clipGradients(params)
	decayMults := s.net.ParamDecayMults()
	for i, p := range params {
		s.normalize(p)
		s.regularize(p, s.def.WeightDecay*decayMults[i])
	}

	s.refreshGroups(params)
	for _, g := range s.groups {
		grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(g.indices))
		for k, i := range g.indices {
			grads[g.params[k].Tensor().Raw()] = params[i].DiffRaw()
		}
		g.opt.SetLR(rate * g.lrMult)
		if err := stepSafely(g.opt, grads); err != nil {
			return fmt.Errorf("iteration %d: %w", s.iter, err)
		}
	}
	return nil
}

func stepSafely(opt updater, grads map[*tensor.RawTensor]*tensor.RawTensor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimizer step: %v", r)
		}
	}()
	opt.Step(grads)
	return nil
}

// clipGradients scales all diffs down when their joint L2 norm exceeds
// clip_gradients.
func (s *Solver) clipGradients(params []*blob.Blob) {
	limit := float64(s.def.ClipGradients)
	if limit <= 0 {
		return
	}
	var sumsq float64
	for _, p := range params {
		for _, v := range p.Diff() {
			sumsq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sumsq)
	if norm <= limit {
		return
	}
	logInfo("Gradient clipping: scaling down gradients (L2 norm %g > %g) by scale factor %g", norm, limit, limit/norm)
	scale := float32(limit / norm)
	for _, p := range params {
		d := p.Diff()
		for i := range d {
			d[i] *= scale
		}
	}
}

func (s *Solver) normalize(p *blob.Blob) {
	if s.def.IterSize == 1 {
		return
	}
	scale := 1 / float32(s.def.IterSize)
	d := p.Diff()
	for i := range d {
		d[i] *= scale
	}
}

func (s *Solver) regularize(p *blob.Blob, decay float32) {
	if decay == 0 {
		return
	}
	data, diff := p.Data(), p.Diff()
	if s.def.RegularizationType == "L1" {
		for i, w := range data {
			switch {
			case w > 0:
				diff[i] += decay
			case w < 0:
				diff[i] -= decay
			}
		}
		return
	}
	for i, w := range data {
		diff[i] += decay * w
	}
}

// Solve trains until max_iter, then snapshots and tests once more.
func (s *Solver) Solve() error {
	logInfo("Solving %s", s.net.Name())
	logInfo("Learning Rate Policy: %s", s.def.LRPolicy)
	if err := s.Step(s.def.MaxIter - s.iter); err != nil {
		return err
	}

	after := s.def.SnapshotAfterTrain == nil || *s.def.SnapshotAfterTrain
	if after && (s.def.Snapshot == 0 || s.iter%s.def.Snapshot != 0) {
		if _, err := s.Snapshot(); err != nil {
			return err
		}
	}
	if s.def.Display > 0 && s.iter%s.def.Display == 0 {
		loss, err := s.net.Forward()
		if err != nil {
			return err
		}
		logInfo("Iteration %d, loss = %g", s.iter, loss)
	}
	if s.def.TestInterval > 0 && s.iter%s.def.TestInterval == 0 {
		if _, err := s.TestAll(); err != nil {
			return err
		}
	}
	logInfo("Optimization Done.")
	return nil
}

// Score is the mean of one test net output element.
type Score struct {
	Name  string
	Value float32
}

// Test runs test net i for its test_iter batches and returns the mean of
// every output blob element.
func (s *Solver) Test(i int) ([]Score, error) {
	if i < 0 || i >= len(s.testNets) {
		return nil, fmt.Errorf("test net index %d out of range (%d test nets)", i, len(s.testNets))
	}
	tn := s.testNets[i]
	logInfo("Iteration %d, Testing net (#%d)", s.iter, i)

	var sums []float64
	var names []string
	var loss float64
	iters := s.def.TestIter[i]
	for range iters {
		l, err := tn.Forward()
		if err != nil {
			return nil, fmt.Errorf("test net #%d: %w", i, err)
		}
		loss += float64(l)

		k := 0
		for _, id := range tn.OutputBlobIndices() {
			b := tn.Blobs()[id]
			for j, v := range b.Data() {
				if k == len(sums) {
					sums = append(sums, 0)
					names = append(names, outputName(tn.BlobNames()[id], j, b.Count()))
				}
				sums[k] += float64(v)
				k++
			}
		}
	}

	scores := make([]Score, len(sums))
	for k := range sums {
		scores[k] = Score{Name: names[k], Value: float32(sums[k] / float64(max(iters, 1)))}
		logInfo("    Test net output #%d: %s = %g", k, scores[k].Name, scores[k].Value)
	}
	if iters > 0 {
		logInfo("Test loss: %g", loss/float64(iters))
	}
	return scores, nil
}

// TestAll runs every test net.
func (s *Solver) TestAll() ([][]Score, error) {
	all := make([][]Score, 0, len(s.testNets))
	for i := range s.testNets {
		sc, err := s.Test(i)
		if err != nil {
			return nil, err
		}
		all = append(all, sc)
	}
	return all, nil
}

func outputName(blob string, j, count int) string {
	if count == 1 {
		return blob
	}
	return fmt.Sprintf("%s[%d]", blob, j)
}

func (s *Solver) logOutputs(kind string, n *net.Net) {
	if !log.Enabled() {
		return
	}
	k := 0
	for _, id := range n.OutputBlobIndices() {
		b := n.Blobs()[id]
		for j, v := range b.Data() {
			logInfo("    %s net output #%d: %s = %g", kind, k, outputName(n.BlobNames()[id], j, b.Count()), v)
			k++
		}
	}
}

// Close releases the solver's nets.
func (s *Solver) Close() error {
	var errs []error
	for _, tn := range slices.Backward(s.testNets) {
		errs = append(errs, tn.Close())
	}
	if s.net != nil {
		errs = append(errs, s.net.Close())
	}
	s.testNets, s.net = nil, nil
	return errors.Join(errs...)
}

func logInfo(format string, args ...any) {
	log.Info(log.CatSolver, fmt.Sprintf(format, args...))
}
