package layer

// Def is a layer definition as written in a net file. Field names follow
// Caffe's LayerParameter so existing prototxt definitions translate to YAML
// one to one.
type Def struct {
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type"`
	Bottom     []string    `yaml:"bottom"`
	Top        []string    `yaml:"top"`
	Param      []ParamSpec `yaml:"param"`
	LossWeight []float32   `yaml:"loss_weight"`
	Include    []Rule      `yaml:"include"`
	Exclude    []Rule      `yaml:"exclude"`

	InputParam        *InputParam        `yaml:"input_param"`
	InnerProductParam *InnerProductParam `yaml:"inner_product_param"`
	ConvolutionParam  *ConvolutionParam  `yaml:"convolution_param"`
	PoolingParam      *PoolingParam      `yaml:"pooling_param"`
	ReLUParam         *ReLUParam         `yaml:"relu_param"`
	SoftmaxParam      *SoftmaxParam      `yaml:"softmax_param"`
	LossParam         *LossParam         `yaml:"loss_param"`
	DropoutParam      *DropoutParam      `yaml:"dropout_param"`
	AccuracyParam     *AccuracyParam     `yaml:"accuracy_param"`
	FlattenParam      *FlattenParam      `yaml:"flatten_param"`
}

// ParamSpec configures one learnable blob. Layers naming the same param
// share its storage.
type ParamSpec struct {
	Name      string   `yaml:"name"`
	LrMult    *float32 `yaml:"lr_mult"`
	DecayMult *float32 `yaml:"decay_mult"`
}

// Rule is an include/exclude phase rule.
type Rule struct {
	Phase string `yaml:"phase"`
}

// Multipliers returns the lr and decay multipliers for learnable blob i.
func (d *Def) Multipliers(i int) (lr, decay float32) {
	lr, decay = 1, 1
	if i < len(d.Param) {
		if p := d.Param[i].LrMult; p != nil {
			lr = *p
		}
		if p := d.Param[i].DecayMult; p != nil {
			decay = *p
		}
	}
	return lr, decay
}

// InPhase reports whether the layer is part of a net built for phase.
// With include rules the layer must match one of them; otherwise it must
// match none of the exclude rules.
func (d *Def) InPhase(phase Phase) bool {
	if len(d.Include) > 0 {
		for _, r := range d.Include {
			if r.matches(phase) {
				return true
			}
		}
		return false
	}
	for _, r := range d.Exclude {
		if r.matches(phase) {
			return false
		}
	}
	return true
}

func (r Rule) matches(phase Phase) bool {
	if r.Phase == "" {
		return true
	}
	p, err := ParsePhase(r.Phase)
	return err == nil && p == phase
}

// FillerDef describes how a learnable blob is initialised.
type FillerDef struct {
	Type         string   `yaml:"type"` // constant, uniform, gaussian, xavier
	Value        float32  `yaml:"value"`
	Min          float32  `yaml:"min"`
	Max          *float32 `yaml:"max"`
	Mean         float32  `yaml:"mean"`
	Std          *float32 `yaml:"std"`
	VarianceNorm string   `yaml:"variance_norm"` // FAN_IN, FAN_OUT, AVERAGE
}

// BlobShape is a shape entry of input_param.
type BlobShape struct {
	Dim []int `yaml:"dim"`
}

// InputParam configures the Input layer.
type InputParam struct {
	Shape []BlobShape `yaml:"shape"`
}

// InnerProductParam configures the InnerProduct layer.
type InnerProductParam struct {
	NumOutput    int        `yaml:"num_output"`
	BiasTerm     *bool      `yaml:"bias_term"`
	Axis         *int       `yaml:"axis"`
	WeightFiller *FillerDef `yaml:"weight_filler"`
	BiasFiller   *FillerDef `yaml:"bias_filler"`
}

// ConvolutionParam configures the Convolution layer. Kernels are square.
type ConvolutionParam struct {
	NumOutput    int        `yaml:"num_output"`
	BiasTerm     *bool      `yaml:"bias_term"`
	KernelSize   int        `yaml:"kernel_size"`
	Stride       int        `yaml:"stride"`
	Pad          int        `yaml:"pad"`
	Group        int        `yaml:"group"`
	WeightFiller *FillerDef `yaml:"weight_filler"`
	BiasFiller   *FillerDef `yaml:"bias_filler"`
}

// PoolingParam configures the Pooling layer.
type PoolingParam struct {
	Pool          string `yaml:"pool"` // MAX or AVE
	KernelSize    int    `yaml:"kernel_size"`
	Stride        int    `yaml:"stride"`
	Pad           int    `yaml:"pad"`
	GlobalPooling bool   `yaml:"global_pooling"`
}

// ReLUParam configures the ReLU layer.
type ReLUParam struct {
	NegativeSlope float32 `yaml:"negative_slope"`
}

// SoftmaxParam configures Softmax and SoftmaxWithLoss.
type SoftmaxParam struct {
	Axis *int `yaml:"axis"`
}

// LossParam configures loss normalisation.
type LossParam struct {
	IgnoreLabel   *int   `yaml:"ignore_label"`
	Normalize     *bool  `yaml:"normalize"`
	Normalization string `yaml:"normalization"` // FULL, VALID, BATCH_SIZE, NONE
}

// DropoutParam configures the Dropout layer.
type DropoutParam struct {
	DropoutRatio *float32 `yaml:"dropout_ratio"`
}

// AccuracyParam configures the Accuracy layer.
type AccuracyParam struct {
	TopK        int  `yaml:"top_k"`
	Axis        *int `yaml:"axis"`
	IgnoreLabel *int `yaml:"ignore_label"`
}

// FlattenParam configures the Flatten layer.
type FlattenParam struct {
	Axis    *int `yaml:"axis"`
	EndAxis *int `yaml:"end_axis"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
