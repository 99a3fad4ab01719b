package autodiff

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lazyclone/internal/autodiff/ops"
	"github.com/born-ml/lazyclone/internal/config"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/runtime"
	"github.com/born-ml/lazyclone/internal/tensor"
)

func newTestContext(t *testing.T) *runtime.Context {
	t.Helper()
	cfg := config.Default()
	cfg.VirtualDevices = []config.VirtualDevice{{Type: "cuda", Count: 1}}
	ctx, err := runtime.New(cfg)
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	return ctx
}

func fromSlice(t *testing.T, env tensor.Env, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromSlice(env, data, shape, device.Host)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

func values(t *testing.T, r *tensor.RawTensor) []float64 {
	t.Helper()
	require.NotNil(t, r)
	v, err := r.Values()
	require.NoError(t, err)
	return v
}

// TestTape_Recording tests tape recording on/off.
func TestTape_Recording(t *testing.T) {
	tape := New(newTestContext(t)).Tape()

	if tape.IsRecording() {
		t.Error("Tape should not be recording initially")
	}
	tape.StartRecording()
	if !tape.IsRecording() {
		t.Error("Tape should be recording after StartRecording()")
	}
	tape.StopRecording()
	if tape.IsRecording() {
		t.Error("Tape should not be recording after StopRecording()")
	}
}

// TestTape_Clear tests tape clearing.
func TestTape_Clear(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()

	a := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	b := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})
	must.M1(engine.Add(a, b))
	if engine.Tape().NumOps() != 1 {
		t.Errorf("NumOps() = %d, want 1", engine.Tape().NumOps())
	}

	engine.Tape().Clear()
	if engine.Tape().NumOps() != 0 {
		t.Errorf("NumOps() after Clear = %d, want 0", engine.Tape().NumOps())
	}
	if !engine.Tape().IsRecording() {
		t.Error("Clear should preserve recording state")
	}
}

func TestBackwardMul(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()

	x := fromSlice(t, ctx, []float32{1, 2, 3}, tensor.Shape{3})
	y := must.M1(engine.Mul(x, x))

	grads := must.M1(engine.Backward(y))
	assert.Equal(t, []float64{2, 4, 6}, values(t, grads[x]))
}

func TestBackwardAddGradientsDoNotAlias(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()

	a := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	b := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})
	c := must.M1(engine.Add(a, b))

	grads := must.M1(engine.Backward(c))
	ga, gb := grads[a], grads[b]
	assert.True(t, ga.IsCOW())
	assert.Equal(t, []float64{1, 1}, values(t, ga))

	require.NoError(t, ga.Fill(5))
	assert.Equal(t, []float64{1, 1}, values(t, gb))
}

func TestBackwardFanInReleasesPartialGradients(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()

	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	y := must.M1(engine.Add(x, x))
	defer y.Release()
	z := must.M1(engine.Mul(y, x))
	defer z.Release()

	alive := testutil.ToFloat64(ctx.Metrics().StoragesAlive())
	grads := must.M1(engine.Backward(z))
	// z = 2x², three partial gradients reach x.
	assert.Equal(t, []float64{4, 8}, values(t, grads[x]))
	assert.Equal(t, []float64{1, 2}, values(t, grads[y]))

	for _, g := range grads {
		g.Release()
	}
	assert.Equal(t, alive, testutil.ToFloat64(ctx.Metrics().StoragesAlive()))
}

func TestBackwardWithoutOps(t *testing.T) {
	ctx := newTestContext(t)
	x := fromSlice(t, ctx, []float32{1}, tensor.Shape{1})
	_, err := New(ctx).Backward(x)
	assert.Error(t, err)
}

func TestDualLevels(t *testing.T) {
	fw := NewForwardAD(newTestContext(t))
	assert.Empty(t, fw.ActiveLevels())

	outer := fw.EnterDualLevel()
	inner := fw.EnterDualLevel()
	assert.Equal(t, Level(0), outer)
	assert.Equal(t, Level(1), inner)
	assert.Equal(t, []Level{0, 1}, fw.ActiveLevels())

	assert.ErrorIs(t, fw.ExitDualLevel(outer), ErrInvalidLevel)
	require.NoError(t, fw.ExitDualLevel(inner))
	require.NoError(t, fw.ExitDualLevel(outer))
	assert.ErrorIs(t, fw.ExitDualLevel(outer), ErrInvalidLevel)
	assert.False(t, fw.IsActive(outer))

	// Levels are reused once exited.
	assert.Equal(t, Level(0), fw.EnterDualLevel())
}

func TestMakeDualUnpackRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	level := engine.Forward().EnterDualLevel()

	x := fromSlice(t, ctx, []float32{1, 2, 3}, tensor.Shape{3})
	v := fromSlice(t, ctx, []float32{0.5, 0, -1}, tensor.Shape{3})

	dual := must.M1(engine.MakeDual(x, v, level))
	defer dual.Release()
	assert.Same(t, x.Storage(), dual.Storage())
	assert.True(t, dual.View().Equal(x.View()))

	primal, tangent := must.M2(engine.UnpackDual(dual, level))
	defer primal.Release()
	defer tangent.Release()
	assert.Equal(t, values(t, x), values(t, primal))
	assert.Equal(t, values(t, v), values(t, tangent))
	assert.Nil(t, must.M1(engine.Forward().FwGrad(primal, level)))

	_, err := engine.MakeDual(dual, v, level)
	assert.Error(t, err)

	require.NoError(t, engine.Forward().ExitDualLevel(level))
	_, _, err = engine.UnpackDual(dual, level)
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestDualOpsRecordStoredTangent(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()
	level := engine.Forward().EnterDualLevel()

	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	v := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})

	dual := must.M1(engine.MakeDual(x, v, level))
	defer dual.Release()
	stored := must.M1(engine.Forward().FwGrad(dual, level))
	require.NotNil(t, stored)

	require.Equal(t, 2, engine.Tape().NumOps())
	alias, ok := engine.Tape().operations[1].(*ops.AliasOp)
	require.True(t, ok)
	assert.Same(t, v, alias.Inputs()[0])
	assert.Same(t, stored, alias.Output())

	primal, tangent := must.M2(engine.UnpackDual(dual, level))
	defer primal.Release()
	defer tangent.Release()
	require.Equal(t, 3, engine.Tape().NumOps())
	unpack, ok := engine.Tape().operations[2].(*ops.UnpackDualOp)
	require.True(t, ok)
	assert.Equal(t, []*tensor.RawTensor{dual, stored}, unpack.Inputs())
	assert.Same(t, stored.Storage(), tangent.Storage())

	// Failed calls leave the tape untouched.
	require.NoError(t, engine.Forward().ExitDualLevel(level))
	_, err := engine.MakeDual(x, v, level)
	assert.ErrorIs(t, err, ErrInvalidLevel)
	_, _, err = engine.UnpackDual(dual, level)
	assert.ErrorIs(t, err, ErrInvalidLevel)
	assert.Equal(t, 3, engine.Tape().NumOps())
}

func TestExitDualLevelReleasesTangents(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	level := engine.Forward().EnterDualLevel()

	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	v := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})

	dual := must.M1(engine.MakeDual(x, v, level))
	defer dual.Release()
	assert.Equal(t, 2, v.Storage().RefCount())

	require.NoError(t, engine.Forward().ExitDualLevel(level))
	assert.Equal(t, 1, v.Storage().RefCount())
}

func TestMakeDualInferenceFastPath(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	engine.Tape().StartRecording()
	level := engine.Forward().EnterDualLevel()

	defer ctx.EnterInferenceMode()()
	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	v := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})
	require.True(t, x.IsInference())

	dual := must.M1(engine.MakeDual(x, v, level))
	defer dual.Release()
	assert.Equal(t, 0, engine.Tape().NumOps())
	assert.Same(t, x.Storage(), dual.Storage())

	_, tangent := must.M2(engine.Forward().UnpackPrimalTangent(dual, level))
	defer tangent.Release()
	assert.Equal(t, []float64{3, 4}, values(t, tangent))
}

func TestMakePrimalTangentPairRequiresInferenceMode(t *testing.T) {
	ctx := newTestContext(t)
	x := fromSlice(t, ctx, []float32{1}, tensor.Shape{1})

	assert.Panics(t, func() { MakePrimalTangentPair(ctx, x, x, 0) })

	// Inference mode alone is not enough: the inputs must be inference tensors.
	exit := ctx.EnterInferenceMode()
	defer exit()
	assert.Panics(t, func() { MakePrimalTangentPair(ctx, x, x, 0) })

	it := fromSlice(t, ctx, []float32{2}, tensor.Shape{1})
	pair := MakePrimalTangentPair(ctx, it, it, 0)
	defer pair.Release()
	assert.Same(t, it.Storage(), pair.Storage())
}

func TestSetFwGradMatchesPrimalLayout(t *testing.T) {
	ctx := newTestContext(t)
	fw := NewForwardAD(ctx)
	level := fw.EnterDualLevel()

	base := fromSlice(t, ctx, []float32{0, 1, 2, 3, 4, 5}, tensor.Shape{2, 3})
	primal := must.M1(base.AsStrided(tensor.Shape{3, 2}, []int{1, 3}, 0))
	defer primal.Release()
	v := fromSlice(t, ctx, []float32{10, 20, 30, 40, 50, 60}, tensor.Shape{3, 2})

	require.NoError(t, fw.SetFwGrad(primal, v, level))
	stored := must.M1(fw.FwGrad(primal, level))
	require.NotNil(t, stored)
	assert.NotSame(t, v.Storage(), stored.Storage())
	assert.True(t, stored.View().Equal(primal.View()))
	assert.True(t, SameStorageFootprint(stored, primal))
	assert.Equal(t, values(t, v), values(t, stored))

	// Replacing a tangent releases the previous one.
	c := fromSlice(t, ctx, []float32{1, 2, 3}, tensor.Shape{3})
	w1 := fromSlice(t, ctx, []float32{4, 5, 6}, tensor.Shape{3})
	w2 := fromSlice(t, ctx, []float32{7, 8, 9}, tensor.Shape{3})
	require.NoError(t, fw.SetFwGrad(c, w1, level))
	assert.Equal(t, 2, w1.Storage().RefCount())
	require.NoError(t, fw.SetFwGrad(c, w2, level))
	assert.Equal(t, 1, w1.Storage().RefCount())
	assert.Equal(t, 2, w2.Storage().RefCount())
}

func TestSetFwGradValidation(t *testing.T) {
	ctx := newTestContext(t)
	fw := NewForwardAD(ctx)
	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})

	assert.ErrorIs(t, fw.SetFwGrad(x, x, 0), ErrInvalidLevel)
	level := fw.EnterDualLevel()

	wrongShape := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{1, 2})
	assert.ErrorIs(t, fw.SetFwGrad(x, wrongShape, level), tensor.ErrShapeMismatch)

	wrongType := must.M1(tensor.FromSlice(ctx, []float64{1, 2}, tensor.Shape{2}, device.Host))
	defer wrongType.Release()
	assert.Error(t, fw.SetFwGrad(x, wrongType, level))

	wrongDevice := must.M1(tensor.FromSlice(ctx, []float32{1, 2}, tensor.Shape{2}, device.New(device.CUDA, 0)))
	defer wrongDevice.Release()
	assert.Error(t, fw.SetFwGrad(x, wrongDevice, level))

	assert.Nil(t, must.M1(fw.FwGrad(x, level)))
}

func TestForwardModeMul(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	level := engine.Forward().EnterDualLevel()

	x := fromSlice(t, ctx, []float32{1, 2, 3}, tensor.Shape{3})
	v := fromSlice(t, ctx, []float32{1, 1, 2}, tensor.Shape{3})
	c := fromSlice(t, ctx, []float32{10, 10, 10}, tensor.Shape{3})

	dual := must.M1(engine.MakeDual(x, v, level))
	defer dual.Release()

	// d(x*x) = 2x*v
	sq := must.M1(engine.Mul(dual, dual))
	defer sq.Release()
	assert.Equal(t, []float64{2, 4, 12}, values(t, must.M1(engine.Forward().FwGrad(sq, level))))

	// d(x*x + c) = 2x*v, c has no tangent.
	sum := must.M1(engine.Add(sq, c))
	defer sum.Release()
	assert.Equal(t, []float64{2, 4, 12}, values(t, must.M1(engine.Forward().FwGrad(sum, level))))

	// No tangent flows into results of tensors without one.
	plain := must.M1(engine.Add(c, c))
	defer plain.Release()
	assert.Nil(t, must.M1(engine.Forward().FwGrad(plain, level)))

	alias := must.M1(engine.Alias(dual))
	defer alias.Release()
	assert.Equal(t, []float64{1, 1, 2}, values(t, must.M1(engine.Forward().FwGrad(alias, level))))
}

func TestGradientFlowsThroughUnpackDual(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	level := engine.Forward().EnterDualLevel()
	engine.Tape().StartRecording()

	x := fromSlice(t, ctx, []float32{1, 2, 3}, tensor.Shape{3})
	v := fromSlice(t, ctx, []float32{4, 5, 6}, tensor.Shape{3})

	dual := must.M1(engine.MakeDual(x, v, level))
	primal, tangent := must.M2(engine.UnpackDual(dual, level))
	sq := must.M1(engine.Mul(primal, primal))
	out := must.M1(engine.Add(sq, tangent))
	assert.Equal(t, []float64{5, 9, 15}, values(t, out))

	grads := must.M1(engine.Backward(out))
	assert.Equal(t, []float64{2, 4, 6}, values(t, grads[x]))
	assert.Equal(t, []float64{1, 1, 1}, values(t, grads[v]))
}

func TestGradientFlowsThroughPrimalOnly(t *testing.T) {
	ctx := newTestContext(t)
	engine := New(ctx)
	level := engine.Forward().EnterDualLevel()
	engine.Tape().StartRecording()

	x := fromSlice(t, ctx, []float32{1, 2}, tensor.Shape{2})
	v := fromSlice(t, ctx, []float32{3, 4}, tensor.Shape{2})

	dual := must.M1(engine.MakeDual(x, v, level))
	primal, _ := must.M2(engine.UnpackDual(dual, level))
	out := must.M1(engine.Mul(primal, x))

	// out = x*x through two paths; the unused tangent output gets zeros.
	grads := must.M1(engine.Backward(out))
	assert.Equal(t, []float64{2, 4}, values(t, grads[x]))
	assert.Equal(t, []float64{0, 0}, values(t, grads[v]))
}
