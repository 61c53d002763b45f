package layer

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/bornbind/internal/blob"
)

// fill initialises b according to f. A nil filler means constant zero.
func fill(b *blob.Blob, f *FillerDef, ctx *Context) error {
	if f == nil {
		clear(b.Data())
		return nil
	}

	data := b.Data()
	shape := tensor.Shape(b.Shape())
	switch strings.ToLower(f.Type) {
	case "", "constant":
		for i := range data {
			data[i] = f.Value
		}

	case "uniform":
		lo, hi := f.Min, float32(1)
		if f.Max != nil {
			hi = *f.Max
		}
		if hi < lo {
			return fmt.Errorf("uniform filler: max %v < min %v", hi, lo)
		}
		r := ctx.rng()
		for i := range data {
			data[i] = lo + (hi-lo)*r.Float32()
		}

	case "gaussian":
		std := float32(1)
		if f.Std != nil {
			std = *f.Std
		}
		if ctx.Rand != nil {
			for i := range data {
				data[i] = f.Mean + std*float32(ctx.Rand.NormFloat64())
			}
			break
		}
		noise := nn.Randn(shape, ctx.Backend).Raw().AsFloat32()
		for i := range data {
			data[i] = f.Mean + std*noise[i]
		}

	case "xavier":
		fanIn, fanOut := fans(b)
		switch strings.ToUpper(f.VarianceNorm) {
		case "", "FAN_IN":
			fanOut = fanIn
		case "FAN_OUT":
			fanIn = fanOut
		case "AVERAGE":
		default:
			return fmt.Errorf("xavier filler: unknown variance_norm %q", f.VarianceNorm)
		}
		// Uniform in [-s, s] with s = sqrt(6 / (fanIn + fanOut)).
		if ctx.Rand != nil {
			bound := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
			for i := range data {
				data[i] = bound * (2*ctx.Rand.Float32() - 1)
			}
			break
		}
		copy(data, nn.Xavier(fanIn, fanOut, shape, ctx.Backend).Raw().AsFloat32())

	default:
		return fmt.Errorf("unknown filler type %q", f.Type)
	}
	return nil
}

// fans returns Caffe's fan-in and fan-out for a weight blob whose first
// axis is the output count.
func fans(b *blob.Blob) (fanIn, fanOut int) {
	count := b.Count()
	fanIn = count / b.Dim(0)
	fanOut = count
	if b.NumAxes() > 1 {
		fanOut = count / b.Dim(1)
	}
	return fanIn, fanOut
}
