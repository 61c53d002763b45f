package host

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/born-ml/bornbind/internal/blob"
)

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

// blob(n,c,h,w) must equal host(w,h,c,n) in both memory orders.
func TestAxisReversal(t *testing.T) {
	backend := cpu.New()
	b := blob.MustNew(2, 3, 4, 5)
	require.NoError(t, b.SetData(iota32(b.Count())))

	col := FromBlob(b, Data, ColumnMajor, backend)
	row := FromBlob(b, Data, RowMajor, backend)
	assert.Equal(t, []int{5, 4, 3, 2}, col.Dims)
	assert.Equal(t, b.Data(), col.Data, "column-major is a straight copy")

	for n := 0; n < 2; n++ {
		for c := 0; c < 3; c++ {
			for h := 0; h < 4; h++ {
				for w := 0; w < 5; w++ {
					want := b.Data()[((n*3+c)*4+h)*5+w]
					assert.Equal(t, want, col.At(w, h, c, n))
					assert.Equal(t, want, row.At(w, h, c, n))
				}
			}
		}
	}
}

func TestScalarAndVectorDims(t *testing.T) {
	assert.Equal(t, []int{1}, Dims(nil))
	assert.Equal(t, []int{7}, Dims([]int{7}))
	assert.Equal(t, []int{3, 2}, Dims([]int{2, 3}))
}

func TestShapeConversion(t *testing.T) {
	assert.Equal(t, []float64{28, 28, 1, 64}, ShapeToHost([]int{64, 1, 28, 28}))

	shape, err := ShapeFromHost([]float64{28, 28, 1, 64})
	require.NoError(t, err)
	assert.Equal(t, []int{64, 1, 28, 28}, shape)

	_, err = ShapeFromHost([]float64{2.5})
	assert.Error(t, err)
	_, err = ShapeFromHost([]float64{-1})
	assert.Error(t, err)
}

func TestToBlobChecksCountOnly(t *testing.T) {
	backend := cpu.New()
	b := blob.MustNew(2, 3)

	// dims differ from the blob's host dims (3,2) but the count matches
	a := &Array{Dims: []int{6}, Data: iota32(6)}
	require.NoError(t, ToBlob(a, b, Diff, backend))
	assert.Equal(t, iota32(6), b.Diff())

	err := ToBlob(&Array{Dims: []int{5}, Data: iota32(5)}, b, Data, backend)
	assert.ErrorIs(t, err, ErrCountMismatch)
}

// Marshaling round-trips preserve tensor values under axis reversal.
func TestRoundTripProperty(t *testing.T) {
	backend := cpu.New()
	rapid.Check(t, func(t *rapid.T) {
		shape := rapid.SliceOfN(rapid.IntRange(1, 4), 0, 4).Draw(t, "shape")
		order := Order(rapid.IntRange(0, 1).Draw(t, "order"))
		field := Field(rapid.IntRange(0, 1).Draw(t, "field"))

		b, err := blob.New(shape...)
		if err != nil {
			t.Fatalf("new blob: %v", err)
		}
		vals := rapid.SliceOfN(rapid.Float32Range(-1e3, 1e3), b.Count(), b.Count()).Draw(t, "vals")
		if field == Diff {
			_ = b.SetDiff(vals)
		} else {
			_ = b.SetData(vals)
		}

		a := FromBlob(b, field, order, backend)
		if a.Count() != b.Count() {
			t.Fatalf("host dims %v do not hold %d elements", a.Dims, b.Count())
		}

		c, _ := blob.New(shape...)
		if err := ToBlob(a, c, field, backend); err != nil {
			t.Fatalf("to blob: %v", err)
		}
		got := c.Data()
		if field == Diff {
			got = c.Diff()
		}
		for i := range vals {
			if got[i] != vals[i] {
				t.Fatalf("element %d: got %v, want %v", i, got[i], vals[i])
			}
		}
	})
}
