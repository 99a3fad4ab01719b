package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/born-ml/lazyclone/internal/config"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/runtime"
	"github.com/born-ml/lazyclone/internal/serialization"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// demoDevices is used when the config declares no virtual devices.
var demoDevices = []config.VirtualDevice{
	{Type: "cuda", Count: 2},
	{Type: "metal", Count: 1, UnifiedMemory: true},
}

func newDemoCmd(opts *options) *cobra.Command {
	var (
		size int
		save string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Lazily clone a tensor onto every device and write to the clones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size <= 0 {
				return errors.Errorf("--size must be > 0, got %d", size)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.VirtualDevices) == 0 {
				cfg.VirtualDevices = demoDevices
			}
			ctx, err := runtime.New(cfg)
			if err != nil {
				return err
			}
			defer ctx.Close()
			return runDemo(cmd.OutOrStdout(), ctx, size, save)
		},
	}
	cmd.Flags().IntVar(&size, "size", 4, "Number of elements in the source tensor")
	cmd.Flags().StringVar(&save, "save", "", "Write the source tensor and its host clone to this SafeTensors file")
	return cmd
}

func runDemo(out io.Writer, ctx *runtime.Context, size int, save string) error {
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(i + 1)
	}

	// Pin the source for the first unified-memory accelerator so clones onto
	// it can share bytes.
	var opts []tensor.Option
	for _, h := range ctx.RegisteredHooks() {
		if h.IsAccelerator() && h.HasUnifiedMemory() {
			opts = append(opts, tensor.WithPinned(h.DeviceType()))
			break
		}
	}

	src, err := tensor.FromSlice(ctx, data, tensor.Shape{size}, device.Host, opts...)
	if err != nil {
		return err
	}
	defer src.Release()
	fmt.Fprintf(out, "source: %s pinned=%t\n", src, src.IsPinned())

	same, err := tensor.LazyClone(ctx, src, nil)
	if err != nil {
		return err
	}
	defer same.Release()
	fmt.Fprintf(out, "clone %s -> %s: %s, source %s\n", src.Device(), same.Device(), cloneMode(same), src.Storage().State())

	if err := same.Fill(0); err != nil {
		return err
	}
	fmt.Fprintf(out, "after writing the clone: clone %s, source %s\n", same.Storage().State(), src.Storage().State())

	for _, d := range ctx.Devices() {
		if d.IsCPU() {
			continue
		}
		if err := cloneOnto(out, ctx, src, d); err != nil {
			return err
		}
	}

	srcValues, err := src.Values()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "source values: %v\n", srcValues)

	if save != "" {
		tensors := map[string]*tensor.RawTensor{"source": src, "clone": same}
		if err := serialization.SaveFile(ctx, save, tensors, map[string]string{"size": strconv.Itoa(size)}); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %d tensors to %s\n", len(tensors), save)
	}
	return printMetrics(out, ctx)
}

func cloneOnto(out io.Writer, ctx *runtime.Context, src *tensor.RawTensor, d device.Device) error {
	c, err := tensor.LazyClone(ctx, src, &d)
	if errors.Is(err, tensor.ErrPinningRequired) {
		fmt.Fprintf(out, "clone %s -> %s: skipped, %v\n", src.Device(), d, err)
		return nil
	}
	if err != nil {
		return err
	}
	defer c.Release()
	mode := cloneMode(c)

	if err := c.SetAt(-1, 0); err != nil {
		return err
	}
	first, err := c.At(0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "clone %s -> %s: %s, wrote %g, clone now %s\n", src.Device(), d, mode, first, c.Storage().State())
	return nil
}

func cloneMode(c *tensor.RawTensor) string {
	if c.IsCOW() {
		return "shared"
	}
	return "copied"
}

func printMetrics(out io.Writer, ctx *runtime.Context) error {
	families, err := ctx.Metrics().Registry().Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return errors.Wrapf(err, "writing metric %s", mf.GetName())
		}
	}
	return nil
}
