package net

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/born-ml/bornbind/internal/caffepb"
	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/serialization"
)

// BornExt is the file extension that selects the .born weight container.
const BornExt = ".born"

// ErrBlobCount is returned when a weight file and a layer disagree on the
// number of learnable blobs.
var ErrBlobCount = errors.New("incompatible number of blobs")

// IsBornPath reports whether path names a .born file.
func IsBornPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), BornExt)
}

// CopyTrainedLayersFrom loads learnable blobs from a weight file. Layers are
// matched by name; layers missing from either side are skipped.
func (n *Net) CopyTrainedLayersFrom(path string) error {
	if IsBornPath(path) {
		f, err := serialization.ReadFile(path, serialization.ReaderOptions{})
		if err != nil {
			return err
		}
		return n.copyFromBorn(f)
	}
	p, err := caffepb.ReadNetFile(path)
	if err != nil {
		return err
	}
	return n.CopyTrainedLayersFromProto(p)
}

// CopyTrainedLayersFromProto loads learnable blobs from a decoded
// NetParameter.
func (n *Net) CopyTrainedLayersFromProto(p *caffepb.NetProto) error {
	for _, src := range p.Layers {
		i, ok := n.layerIndex[src.Name]
		if !ok {
			log.Debug(log.CatIO, "Ignoring source layer "+src.Name)
			continue
		}
		dst := n.layers[i].Blobs()
		if len(dst) != len(src.Blobs) {
			return fmt.Errorf("layer %q: %w: file has %d, net has %d", src.Name, ErrBlobCount, len(src.Blobs), len(dst))
		}
		for j, b := range dst {
			if err := b.FromProto(src.Blobs[j], false); err != nil {
				return fmt.Errorf("layer %q blob %d: %w", src.Name, j, err)
			}
		}
	}
	return nil
}

func (n *Net) copyFromBorn(f *serialization.File) error {
	counts := make(map[string]int)
	for _, e := range f.Entries {
		name, j, err := serialization.SplitParamName(e.Name)
		if err != nil {
			return err
		}
		counts[name]++
		i, ok := n.layerIndex[name]
		if !ok {
			log.Debug(log.CatIO, "Ignoring source layer "+name)
			continue
		}
		dst := n.layers[i].Blobs()
		if j >= len(dst) {
			return fmt.Errorf("layer %q: %w: file has blob %d, net has %d", name, ErrBlobCount, j, len(dst))
		}
		if !equalShape(e.Raw.Shape(), dst[j].Shape()) {
			return fmt.Errorf("layer %q blob %d: shape mismatch: file has %v, blob is %v", name, j, e.Raw.Shape(), dst[j].Shape())
		}
		if err := dst[j].SetData(e.Raw.AsFloat32()); err != nil {
			return fmt.Errorf("layer %q blob %d: %w", name, j, err)
		}
	}
	for name, c := range counts {
		if i, ok := n.layerIndex[name]; ok && c != len(n.layers[i].Blobs()) {
			return fmt.Errorf("layer %q: %w: file has %d, net has %d", name, ErrBlobCount, c, len(n.layers[i].Blobs()))
		}
	}
	return nil
}

// ToProto converts the net's layers and learnable blobs to a NetParameter.
func (n *Net) ToProto(writeDiff bool) *caffepb.NetProto {
	p := &caffepb.NetProto{Name: n.name}
	for i, l := range n.layers {
		lp := &caffepb.LayerProto{Name: n.layerNames[i], Type: l.Type()}
		for _, id := range n.bottomIDs[i] {
			lp.Bottom = append(lp.Bottom, n.blobNames[id])
		}
		for _, id := range n.topIDs[i] {
			lp.Top = append(lp.Top, n.blobNames[id])
		}
		for _, b := range l.Blobs() {
			lp.Blobs = append(lp.Blobs, b.ToProto(writeDiff))
		}
		p.Layers = append(p.Layers, lp)
	}
	return p
}

// Entries returns the learnable blobs of every layer as named, shaped
// tensors for the .born container. Shared params are written once per
// layer that uses them.
func (n *Net) Entries() []serialization.Entry {
	var entries []serialization.Entry
	for i, l := range n.layers {
		for j, b := range l.Blobs() {
			entries = append(entries, serialization.Entry{
				Name: serialization.ParamName(n.layerNames[i], j),
				Raw:  b.DataAs(b.Shape()...),
			})
		}
	}
	return entries
}

// Save writes the learnable blobs to path, as a .born container when the
// extension is .born and as a binary NetParameter otherwise.
func (n *Net) Save(path string) error {
	if IsBornPath(path) {
		h := serialization.Header{Kind: serialization.KindNet, Name: n.name, CreatedAt: time.Now().UTC()}
		if err := serialization.WriteFile(path, h, n.Entries()); err != nil {
			return err
		}
	} else if err := caffepb.WriteNetFile(path, n.ToProto(false)); err != nil {
		return err
	}
	log.Info(log.CatIO, "Saved net weights", "net", n.name, "path", path)
	return nil
}
