package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/shim"
)

type trainOptions struct {
	solver   string
	snapshot string
	weights  string
	feed     string
}

func newTrainCmd(a *app) *cobra.Command {
	var opts trainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a net from a solver definition",
		Long: `Train a net from a solver definition.

Training resumes from a solver state when --snapshot is given, or starts
from pretrained weights copied into the train and test nets when --weights
is given. Input blobs are filled once from the --feed batch file, which maps
blob names to host arrays:

  data:  {dims: [2, 4], data: [1, 0, 0, 1, 2, 0, 0, 2]}
  label: {dims: [4], data: [0, 1, 0, 1]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return train(a.shim, opts, cmd)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.solver, "solver", "", "solver definition file")
	f.StringVar(&opts.snapshot, "snapshot", "", "solver state to resume from")
	f.StringVar(&opts.weights, "weights", "", "comma-separated weight files to start from")
	f.StringVar(&opts.feed, "feed", "", "YAML file of input blobs")
	_ = cmd.MarkFlagRequired("solver")
	cmd.MarkFlagsMutuallyExclusive("snapshot", "weights")
	return cmd
}

func train(s *shim.Shim, opts trainOptions, cmd *cobra.Command) error {
	out, err := s.Call("get_solver", opts.solver)
	if err != nil {
		return err
	}
	h := out[0].(shim.Handle)
	out, err = s.Call("solver_get_attr", h)
	if err != nil {
		return err
	}
	attr := out[0].(shim.SolverAttr)
	nets := append([]shim.Handle{attr.Net}, attr.TestNets...)

	switch {
	case opts.snapshot != "":
		log.Info(log.CatSolver, "Resuming from "+opts.snapshot)
		if _, err := s.Call("solver_restore", h, opts.snapshot); err != nil {
			return err
		}
	case opts.weights != "":
		for _, w := range strings.Split(opts.weights, ",") {
			log.Info(log.CatSolver, "Finetuning from "+w)
			for _, n := range nets {
				if _, err := s.Call("net_copy_from", n, w); err != nil {
					return err
				}
			}
		}
	}

	if opts.feed != "" {
		if err := feed(s, nets, opts.feed); err != nil {
			return err
		}
	}

	if _, err := s.Call("solver_solve", h); err != nil {
		return err
	}
	out, err = s.Call("solver_get_iter", h)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Optimization done after %v iterations\n", out[0])
	return nil
}

// feed fills every blob named in the batch file in each of nets.
func feed(s *shim.Shim, nets []shim.Handle, path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: batch path comes from the command line
	if err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	var batch map[string]hostArray
	if err := yaml.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("parse feed %s: %w", path, err)
	}

	used := make(map[string]bool, len(batch))
	for _, n := range nets {
		out, err := s.Call("net_get_attr", n)
		if err != nil {
			return err
		}
		attr := out[0].(shim.NetAttr)
		for i, name := range attr.BlobNames {
			h, ok := batch[name]
			if !ok {
				continue
			}
			arr, err := h.array()
			if err != nil {
				return fmt.Errorf("feed %s: %w", name, err)
			}
			if _, err := s.Call("blob_set_data", attr.Blobs[i], arr); err != nil {
				return fmt.Errorf("feed %s: %w", name, err)
			}
			used[name] = true
		}
	}

	var errs []error
	for name := range batch {
		if !used[name] {
			errs = append(errs, fmt.Errorf("feed: no net has a blob named %q", name))
		}
	}
	return errors.Join(errs...)
}
