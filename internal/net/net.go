// Package net builds a layer graph from a definition file and runs it.
//
// Blobs are wired by name: a bottom refers to the most recent top with that
// name, and a layer whose top repeats a bottom name runs in place. Blobs
// that feed several layers get an implicit Split layer so gradients from
// every consumer are summed.
package net

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
	"github.com/born-ml/bornbind/internal/layer"
	"github.com/born-ml/bornbind/internal/log"
)

// Net is a directed acyclic graph of layers connected by blobs.
type Net struct {
	name  string
	phase layer.Phase
	ctx   *layer.Context

	layers     []layer.Layer
	layerNames []string
	layerIndex map[string]int

	blobs     []*blob.Blob
	blobNames []string
	blobIndex map[string]int

	bottoms   [][]*blob.Blob
	bottomIDs [][]int
	tops      [][]*blob.Blob
	topIDs    [][]int

	layerNeedsBackward []bool
	bottomNeedBackward [][]bool
	blobLossWeights    []float32

	inputIdx  []int
	outputIdx []int

	// params lists every learnable blob slot in layer order. Slots of
	// shared params hold the owner's blob.
	params     []*blob.Blob
	learnable  []*blob.Blob
	lrMults    []float32
	decayMults []float32
}

// Options configures net construction.
type Options struct {
	// Registry resolves layer types; layer.Default when nil.
	Registry *layer.Registry
}

// New loads the definition at path and builds the net for phase.
func New(path string, phase layer.Phase, backend tensor.Backend) (*Net, error) {
	def, err := LoadDef(path)
	if err != nil {
		return nil, err
	}
	return FromDef(def, &layer.Context{Backend: backend, Phase: phase}, Options{})
}

// FromDef builds a net from a parsed definition. ctx.Phase selects the
// layers.
func FromDef(def *Def, ctx *layer.Context, opts Options) (_ *Net, err error) {
	reg := opts.Registry
	if reg == nil {
		reg = layer.Default
	}
	n := &Net{
		name:       def.Name,
		phase:      ctx.Phase,
		ctx:        ctx,
		layerIndex: make(map[string]int),
		blobIndex:  make(map[string]int),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("net %q: setup: %v", def.Name, r)
		}
		if err != nil {
			_ = n.Close()
		}
	}()

	defs := insertSplits(def.filter(ctx.Phase))
	available := make(map[int]bool)
	paramOwners := make(map[string]int)
	blobNeedsBackward := make([]bool, 0)

	for i := range defs {
		d := &defs[i]
		if _, dup := n.layerIndex[d.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", d.Name)
		}
		l, err := reg.Create(d, ctx)
		if err != nil {
			return nil, err
		}
		n.layerIndex[d.Name] = len(n.layers)
		n.layers = append(n.layers, l)
		n.layerNames = append(n.layerNames, d.Name)

		var bottoms []*blob.Blob
		var bottomIDs []int
		needsBackward := false
		for j, name := range d.Bottom {
			id, ok := n.blobIndex[name]
			if !ok {
				return nil, fmt.Errorf("unknown bottom blob %q (layer %q, bottom index %d)", name, d.Name, j)
			}
			delete(available, id)
			bottoms = append(bottoms, n.blobs[id])
			bottomIDs = append(bottomIDs, id)
			needsBackward = needsBackward || blobNeedsBackward[id]
		}

		var tops []*blob.Blob
		var topIDs []int
		for j, name := range d.Top {
			id, exists := n.blobIndex[name]
			inPlace := j < len(d.Bottom) && d.Bottom[j] == name
			switch {
			case inPlace:
			case exists:
				return nil, fmt.Errorf("top blob %q produced by multiple sources (layer %q)", name, d.Name)
			default:
				id = len(n.blobs)
				n.blobIndex[name] = id
				n.blobs = append(n.blobs, blob.MustNew(1))
				n.blobNames = append(n.blobNames, name)
				blobNeedsBackward = append(blobNeedsBackward, false)
				n.blobLossWeights = append(n.blobLossWeights, 0)
			}
			available[id] = true
			tops = append(tops, n.blobs[id])
			topIDs = append(topIDs, id)
			if d.Type == "Input" {
				n.inputIdx = append(n.inputIdx, id)
			}
		}

		if err := l.SetUp(bottoms, tops); err != nil {
			return nil, err
		}
		log.Debug(log.CatNet, "Setting up "+d.Name, "type", d.Type, "tops", len(tops))

		for j := range tops {
			w := float32(0)
			if j < len(d.LossWeight) {
				w = d.LossWeight[j]
			} else if j == 0 && layer.IsLoss(l) {
				w = 1
			}
			if w != 0 {
				n.blobLossWeights[topIDs[j]] += w
			}
		}

		for j, b := range l.Blobs() {
			lr, decay := d.Multipliers(j)
			if lr != 0 {
				needsBackward = true
			}
			if err := n.appendParam(l, d, j, b, lr, decay, paramOwners); err != nil {
				return nil, err
			}
		}

		needsBackward = needsBackward || def.ForceBackward
		n.layerNeedsBackward = append(n.layerNeedsBackward, needsBackward)
		for _, id := range topIDs {
			blobNeedsBackward[id] = blobNeedsBackward[id] || needsBackward
		}
		n.bottoms = append(n.bottoms, bottoms)
		n.bottomIDs = append(n.bottomIDs, bottomIDs)
		n.tops = append(n.tops, tops)
		n.topIDs = append(n.topIDs, topIDs)
		n.bottomNeedBackward = append(n.bottomNeedBackward, make([]bool, len(bottoms)))
		for j, id := range bottomIDs {
			n.bottomNeedBackward[i][j] = blobNeedsBackward[id]
		}
	}

	n.pruneBackward(def.ForceBackward)
	n.seedLossDiffs()

	for id := range n.blobs {
		if available[id] {
			n.outputIdx = append(n.outputIdx, id)
		}
	}
	log.Info(log.CatNet, "Network initialization done", "net", n.name, "phase", n.phase,
		"layers", len(n.layers), "params", len(n.learnable))
	return n, nil
}

// appendParam records learnable blob j of l, sharing storage with an
// earlier blob of the same param name.
func (n *Net) appendParam(l layer.Layer, d *layer.Def, j int, b *blob.Blob, lr, decay float32, owners map[string]int) error {
	slot := len(n.params)
	name := ""
	if j < len(d.Param) {
		name = d.Param[j].Name
	}

	owner, shared := owners[name]
	if name == "" || !shared {
		if name != "" {
			owners[name] = slot
		}
		n.params = append(n.params, b)
		n.learnable = append(n.learnable, b)
		n.lrMults = append(n.lrMults, lr)
		n.decayMults = append(n.decayMults, decay)
		return nil
	}

	ob := n.params[owner]
	if !equalShape(ob.Shape(), b.Shape()) {
		return fmt.Errorf("cannot share param %q: shape %v in layer %q, owner has %v",
			name, b.Shape(), d.Name, ob.Shape())
	}
	// The layer reads its blobs through this slice, so replacing the entry
	// makes it use the owner's data and diff.
	l.Blobs()[j] = ob
	b.Release()
	n.params = append(n.params, ob)

	idx := n.learnableIndex(ob)
	if n.lrMults[idx] != lr || n.decayMults[idx] != decay {
		return fmt.Errorf("shared param %q has conflicting lr_mult or decay_mult in layer %q", name, d.Name)
	}
	return nil
}

func (n *Net) learnableIndex(b *blob.Blob) int {
	for i, p := range n.learnable {
		if p == b {
			return i
		}
	}
	return -1
}

// pruneBackward turns off backward for layers that do not contribute to a
// loss, walking the graph from the last layer.
func (n *Net) pruneBackward(force bool) {
	if force {
		return
	}
	underLoss := make([]bool, len(n.blobs))
	for i := len(n.layers) - 1; i >= 0; i-- {
		contributes := false
		for _, id := range n.topIDs[i] {
			if n.blobLossWeights[id] != 0 || underLoss[id] {
				contributes = true
				break
			}
		}
		if !contributes {
			n.layerNeedsBackward[i] = false
			clear(n.bottomNeedBackward[i])
			log.Debug(log.CatNet, n.layerNames[i]+" does not need backward computation.")
			continue
		}
		for _, id := range n.bottomIDs[i] {
			underLoss[id] = true
		}
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Name returns the net name.
func (n *Net) Name() string { return n.name }

// Phase returns the phase the net was built for.
func (n *Net) Phase() layer.Phase { return n.phase }

// Context returns the layer context the net was built with.
func (n *Net) Context() *layer.Context { return n.ctx }

func (n *Net) Layers() []layer.Layer { return n.layers }
func (n *Net) LayerNames() []string  { return n.layerNames }
func (n *Net) Blobs() []*blob.Blob   { return n.blobs }
func (n *Net) BlobNames() []string   { return n.blobNames }

// InputBlobIndices returns the indices into Blobs of the tops of Input
// layers.
func (n *Net) InputBlobIndices() []int { return n.inputIdx }

// OutputBlobIndices returns the indices into Blobs of blobs no layer
// consumes.
func (n *Net) OutputBlobIndices() []int { return n.outputIdx }

// LearnableParams returns the distinct learnable blobs; shared params
// appear once.
func (n *Net) LearnableParams() []*blob.Blob { return n.learnable }

// ParamLrMults returns the lr multiplier of each learnable param.
func (n *Net) ParamLrMults() []float32 { return n.lrMults }

// ParamDecayMults returns the weight decay multiplier of each learnable
// param.
func (n *Net) ParamDecayMults() []float32 { return n.decayMults }

// BlobByName returns the blob called name.
func (n *Net) BlobByName(name string) (*blob.Blob, bool) {
	id, ok := n.blobIndex[name]
	if !ok {
		return nil, false
	}
	return n.blobs[id], true
}

// LayerByName returns the layer called name.
func (n *Net) LayerByName(name string) (layer.Layer, bool) {
	i, ok := n.layerIndex[name]
	if !ok {
		return nil, false
	}
	return n.layers[i], true
}

// LayerNeedsBackward reports whether layer i takes part in Backward.
func (n *Net) LayerNeedsBackward(i int) bool { return n.layerNeedsBackward[i] }

// ClearParamDiffs zeroes the diffs of all learnable params.
func (n *Net) ClearParamDiffs() {
	for _, p := range n.learnable {
		p.ZeroDiff()
	}
}

// Forward runs every layer and returns the weighted loss.
func (n *Net) Forward() (float32, error) {
	return n.ForwardFromTo(0, len(n.layers)-1)
}

// ForwardFrom runs layers from start to the end.
func (n *Net) ForwardFrom(start int) (float32, error) {
	return n.ForwardFromTo(start, len(n.layers)-1)
}

// ForwardTo runs layers from the first to end.
func (n *Net) ForwardTo(end int) (float32, error) {
	return n.ForwardFromTo(0, end)
}

// ForwardFromTo runs layers start..end inclusive and returns the loss they
// produce. Loss tops have their diffs set to their loss weights.
func (n *Net) ForwardFromTo(start, end int) (loss float32, err error) {
	if start < 0 || end >= len(n.layers) || start > end {
		return 0, fmt.Errorf("net %q: forward range [%d, %d] out of bounds for %d layers", n.name, start, end, len(n.layers))
	}
	for i := start; i <= end; i++ {
		if err := n.run(i, func(l layer.Layer) error { return l.Forward(n.bottoms[i], n.tops[i]) }); err != nil {
			return 0, err
		}
		for j, id := range n.topIDs[i] {
			w := n.blobLossWeights[id]
			if w == 0 {
				continue
			}
			var sum float64
			for _, v := range n.tops[i][j].Data() {
				sum += float64(v)
			}
			loss += w * float32(sum)
		}
	}
	if math.IsNaN(float64(loss)) {
		log.Warn(log.CatNet, "loss is NaN", "net", n.name)
	}
	return loss, nil
}

// Backward runs every layer backward from the last.
func (n *Net) Backward() error {
	return n.BackwardFromTo(len(n.layers)-1, 0)
}

// BackwardFrom runs layers backward from start down to the first.
func (n *Net) BackwardFrom(start int) error {
	return n.BackwardFromTo(start, 0)
}

// BackwardTo runs layers backward from the last down to end.
func (n *Net) BackwardTo(end int) error {
	return n.BackwardFromTo(len(n.layers)-1, end)
}

// BackwardFromTo runs layers start down to end inclusive, skipping layers
// that do not need backward.
func (n *Net) BackwardFromTo(start, end int) error {
	if end < 0 || start >= len(n.layers) || start < end {
		return fmt.Errorf("net %q: backward range [%d, %d] out of bounds for %d layers", n.name, start, end, len(n.layers))
	}
	for i := start; i >= end; i-- {
		if !n.layerNeedsBackward[i] {
			continue
		}
		err := n.run(i, func(l layer.Layer) error {
			return l.Backward(n.tops[i], n.bottomNeedBackward[i], n.bottoms[i])
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ForwardBackward runs a full forward and backward pass.
func (n *Net) ForwardBackward() (float32, error) {
	loss, err := n.Forward()
	if err != nil {
		return 0, err
	}
	return loss, n.Backward()
}

// Reshape propagates input shape changes through every layer.
func (n *Net) Reshape() error {
	for i := range n.layers {
		if err := n.run(i, func(l layer.Layer) error { return l.Reshape(n.bottoms[i], n.tops[i]) }); err != nil {
			return err
		}
	}
	n.seedLossDiffs()
	return nil
}

// seedLossDiffs sets the diff of every loss-weighted blob to its weight, the
// gradient Backward starts from. Forward leaves these diffs alone, so values
// set through the blob between passes are kept.
func (n *Net) seedLossDiffs() {
	for id, w := range n.blobLossWeights {
		if w == 0 {
			continue
		}
		diff := n.blobs[id].Diff()
		for k := range diff {
			diff[k] = w
		}
	}
}

// run calls fn on layer i, converting backend panics into errors.
func (n *Net) run(i int, fn func(layer.Layer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("net %q: layer %q: %v", n.name, n.layerNames[i], r)
		}
	}()
	return fn(n.layers[i])
}

// ShareTrainedLayersWith makes the learnable blobs of every layer that also
// exists in other use other's data. Diffs stay separate.
func (n *Net) ShareTrainedLayersWith(other *Net) error {
	for i, l := range n.layers {
		src, ok := other.LayerByName(n.layerNames[i])
		if !ok {
			continue
		}
		if len(src.Blobs()) != len(l.Blobs()) {
			return fmt.Errorf("incompatible number of blobs for layer %q", n.layerNames[i])
		}
		for j, b := range l.Blobs() {
			if !equalShape(b.Shape(), src.Blobs()[j].Shape()) {
				return fmt.Errorf("cannot share blob %d of layer %q: shape %v vs %v",
					j, n.layerNames[i], b.Shape(), src.Blobs()[j].Shape())
			}
			if err := b.ShareData(src.Blobs()[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases every blob. The net must not be used afterwards.
func (n *Net) Close() error {
	seen := make(map[*blob.Blob]bool)
	release := func(b *blob.Blob) {
		if b != nil && !seen[b] {
			seen[b] = true
			b.Release()
		}
	}
	for _, b := range n.blobs {
		release(b)
	}
	for _, b := range n.params {
		release(b)
	}
	return nil
}
