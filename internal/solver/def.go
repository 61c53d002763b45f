package solver

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Def is a solver definition file: Caffe's SolverParameter written as YAML.
type Def struct {
	Net      string   `yaml:"net"`
	TrainNet string   `yaml:"train_net"`
	TestNet  []string `yaml:"test_net"`

	Type        string   `yaml:"type"` // SGD or Adam
	BaseLR      float32  `yaml:"base_lr"`
	LRPolicy    string   `yaml:"lr_policy"`
	Gamma       float32  `yaml:"gamma"`
	Power       float32  `yaml:"power"`
	StepSize    int      `yaml:"stepsize"`
	StepValue   []int    `yaml:"stepvalue"`
	Momentum    float32  `yaml:"momentum"`
	Momentum2   *float32 `yaml:"momentum2"`
	Delta       *float32 `yaml:"delta"`
	WeightDecay float32  `yaml:"weight_decay"`

	RegularizationType string  `yaml:"regularization_type"` // L2 or L1
	ClipGradients      float32 `yaml:"clip_gradients"`

	MaxIter     int `yaml:"max_iter"`
	IterSize    int `yaml:"iter_size"`
	Display     int `yaml:"display"`
	AverageLoss int `yaml:"average_loss"`

	TestIter           []int `yaml:"test_iter"`
	TestInterval       int   `yaml:"test_interval"`
	TestInitialization *bool `yaml:"test_initialization"`

	Snapshot           int    `yaml:"snapshot"`
	SnapshotPrefix     string `yaml:"snapshot_prefix"`
	SnapshotFormat     string `yaml:"snapshot_format"` // caffemodel or born
	SnapshotDiff       bool   `yaml:"snapshot_diff"`
	SnapshotAfterTrain *bool  `yaml:"snapshot_after_train"`

	RandomSeed *int64 `yaml:"random_seed"`
}

// LoadDef reads a solver definition and resolves its relative paths
// against the directory of path.
func LoadDef(path string) (*Def, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: definition path comes from the caller
	if err != nil {
		return nil, err
	}
	d, err := ParseDef(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	d.Net = resolve(dir, d.Net)
	d.TrainNet = resolve(dir, d.TrainNet)
	for i := range d.TestNet {
		d.TestNet[i] = resolve(dir, d.TestNet[i])
	}
	if d.SnapshotPrefix == "" {
		d.SnapshotPrefix = strings.TrimSuffix(path, filepath.Ext(path))
	} else {
		d.SnapshotPrefix = resolve(dir, d.SnapshotPrefix)
	}
	return d, nil
}

// ParseDef decodes a YAML solver definition and applies Caffe's defaults.
func ParseDef(data []byte) (*Def, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d Def
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse solver definition: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Def) validate() error {
	if d.Type == "" {
		d.Type = "SGD"
	}
	if d.LRPolicy == "" {
		d.LRPolicy = "fixed"
	}
	if d.IterSize <= 0 {
		d.IterSize = 1
	}
	if d.AverageLoss <= 0 {
		d.AverageLoss = 1
	}
	if d.RegularizationType == "" {
		d.RegularizationType = "L2"
	}
	if d.SnapshotFormat == "" {
		d.SnapshotFormat = "caffemodel"
	}

	switch {
	case d.Net == "" && d.TrainNet == "":
		return fmt.Errorf("solver definition names no net or train_net")
	case d.Net != "" && d.TrainNet != "":
		return fmt.Errorf("solver definition names both net and train_net")
	}
	switch d.Type {
	case "SGD", "Adam":
	default:
		return fmt.Errorf("unsupported solver type %q (want SGD or Adam)", d.Type)
	}
	switch d.RegularizationType {
	case "L1", "L2":
	default:
		return fmt.Errorf("unknown regularization type %q", d.RegularizationType)
	}
	switch d.SnapshotFormat {
	case "caffemodel", "born":
	default:
		return fmt.Errorf("unknown snapshot_format %q", d.SnapshotFormat)
	}
	if d.LRPolicy == "step" && d.StepSize <= 0 {
		return fmt.Errorf("lr_policy step needs a positive stepsize")
	}
	if d.TestInterval > 0 && len(d.TestIter) == 0 {
		return fmt.Errorf("test_interval set without test_iter")
	}
	return nil
}

// trainNet returns the definition file of the training net.
func (d *Def) trainNet() string {
	if d.TrainNet != "" {
		return d.TrainNet
	}
	return d.Net
}

// testNets returns the definition files of the test nets. Without explicit
// test_net entries, a test net is built from net when test_iter is set.
func (d *Def) testNets() ([]string, error) {
	nets := d.TestNet
	if len(nets) == 0 && d.Net != "" && len(d.TestIter) > 0 {
		nets = []string{d.Net}
	}
	if len(nets) != len(d.TestIter) {
		return nil, fmt.Errorf("test_iter must be specified for each test network (%d nets, %d test_iter)",
			len(nets), len(d.TestIter))
	}
	return nets, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
