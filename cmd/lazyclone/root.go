package main

import (
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/config"
	"github.com/born-ml/lazyclone/internal/runtime"
)

type options struct {
	configPath string
}

// newRootCmd builds the command tree. klog flags are registered on a fresh
// flag set so the tree can be built more than once per process.
func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "lazyclone",
		Short:         "Copy-on-write tensor storage across devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Runtime config file (.yaml, .toml or .json)")

	root.AddCommand(newVersionCmd(), newDevicesCmd(opts), newDemoCmd(opts))
	return root
}

func (o *options) loadConfig() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

func (o *options) newContext() (*runtime.Context, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("runtime config: %d virtual device type(s), default device %q", len(cfg.VirtualDevices), cfg.DefaultDevice)
	return runtime.New(cfg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("lazyclone %s\n", version)
		},
	}
}
