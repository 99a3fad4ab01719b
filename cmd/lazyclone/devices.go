package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/born-ml/lazyclone/internal/runtime"
)

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices of the configured runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := opts.newContext()
			if err != nil {
				return err
			}
			defer ctx.Close()
			return printDevices(cmd, ctx)
		},
	}
}

func printDevices(cmd *cobra.Command, ctx *runtime.Context) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tACCELERATOR\tUNIFIED MEMORY\tCURRENT\tDEFAULT")
	for _, d := range ctx.Devices() {
		h, err := ctx.Hooks(d.Type)
		if err != nil {
			return err
		}
		current := d.IsCPU() || h.CurrentDeviceIndex() == d.Index
		fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%t\n", d, h.IsAccelerator(), h.HasUnifiedMemory(), current, d == ctx.DefaultDevice())
	}
	return w.Flush()
}
