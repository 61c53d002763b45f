package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/born-ml/bornbind/internal/config"
	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/tracing"
	"github.com/born-ml/bornbind/shim"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	shim     *shim.Shim
	tracing  *tracing.Provider
	closeLog func()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "bornbind",
		Short: "Drive Caffe-style nets and solvers computed by Born",
		Long: `bornbind exposes Caffe-style solvers, nets, layers and blobs through a
handle-based command interface. Scripts call the same commands a host
binding would.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	f.String("mode", "cpu", "compute mode: cpu or gpu")
	f.Int("device", 0, "device id")
	f.String("log-file", "", "append log output to this file instead of stderr")
	f.String("log-level", "info", "minimum log level: debug, info, warn or error")
	f.Bool("trace", false, "print an OpenTelemetry span per command to stderr")

	_ = a.v.BindPFlag("mode", f.Lookup("mode"))
	_ = a.v.BindPFlag("device_id", f.Lookup("device"))
	_ = a.v.BindPFlag("log_file", f.Lookup("log-file"))
	_ = a.v.BindPFlag("log_level", f.Lookup("log-level"))
	_ = a.v.BindPFlag("tracing.enabled", f.Lookup("trace"))

	root.AddCommand(
		newRunCmd(a),
		newTrainCmd(a),
		newDeviceQueryCmd(a),
		newVersionCmd(),
	)
	return root
}

// execute runs the CLI with args and releases everything it opened.
func execute(args []string, stdout, stderr io.Writer) error {
	a := &app{v: viper.New()}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	config.SetDefaults(a.v)
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.LogFile != "" {
		if a.closeLog, err = log.Init(cfg.LogFile); err != nil {
			return err
		}
	} else {
		log.SetOutput(cmd.ErrOrStderr())
		a.closeLog = func() { log.SetOutput(nil) }
	}
	level, _ := log.ParseLevel(cfg.LogLevel) // checked by Validate
	log.SetMinLevel(level)

	if a.tracing, err = tracing.NewProvider(cfg.Tracing, cmd.ErrOrStderr()); err != nil {
		return err
	}
	a.shim = shim.New(shim.WithTracer(a.tracing.Tracer()))

	if cfg.GPU() {
		if _, err := a.shim.Call("set_mode_gpu"); err != nil {
			return err
		}
	}
	if _, err := a.shim.Call("set_device", cfg.DeviceID); err != nil {
		return err
	}
	log.Debug(log.CatShim, "CLI ready", "mode", cfg.Mode, "device", cfg.DeviceID, "config", a.v.ConfigFileUsed())
	return nil
}

func (a *app) close() error {
	var err error
	if a.shim != nil {
		err = a.shim.Close()
	}
	if a.tracing != nil {
		if terr := a.tracing.Shutdown(context.Background()); err == nil {
			err = terr
		}
	}
	if a.closeLog != nil {
		a.closeLog()
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bornbind %s (commit: %s, built: %s)\n", version, commit, date)
			fmt.Fprintf(out, "shim %s\n", shim.Version)
			return nil
		},
	}
}

func newDeviceQueryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "device-query",
		Short: "Show the active compute device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.shim.Call("device_query")
			if err != nil {
				return err
			}
			info := out[0].(shim.DeviceInfo)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Mode:             %s\n", info.Mode)
			fmt.Fprintf(w, "Device id:        %d\n", info.DeviceID)
			fmt.Fprintf(w, "Backend:          %s\n", info.Backend)
			fmt.Fprintf(w, "GPU available:    %t\n", info.GPUAvailable)
			fmt.Fprintf(w, "CPU:              %s (%s)\n", info.CPU, info.Vendor)
			fmt.Fprintf(w, "Cores:            %d physical, %d logical\n", info.PhysicalCores, info.LogicalCores)
			fmt.Fprintf(w, "Cache line:       %d\n", info.CacheLine)
			fmt.Fprintf(w, "L1d / L2 / L3:    %d / %d / %d\n", info.L1D, info.L2, info.L3)
			fmt.Fprintf(w, "Features:         %d\n", len(info.Features))
			return nil
		},
	}
}
