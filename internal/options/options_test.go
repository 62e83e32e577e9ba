package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiverse-hardware-labs/ephysd/internal/units"
)

func TestParameterRoundTrip(t *testing.T) {
	// spec §8 scenario 3: parse "amp = 3.5 mV", serialize, and check number("V").
	name, text, unit, num, isNum := ParseAssignment("amp = 3.5 mV")
	require.True(t, isNum)
	assert.Equal(t, "amp", name)
	assert.Equal(t, "mV", unit)
	assert.Equal(t, "3.5 mV", text)

	p := NewNumber("amp", "Amplitude", "V", 0)
	p.Format = "%g"
	require.NoError(t, p.SetNumber(num, unit))

	v, err := p.Number("V")
	require.NoError(t, err)
	assert.InDelta(t, 0.0035, v, 1e-12)

	p.OutUnit = "mV"
	assert.Contains(t, p.FormatAssignment(), "amp=3.5")
}

func TestUnitConversionIdempotent(t *testing.T) {
	for _, x := range []float64{0, 1, -1, 1e6, -1e6, 3.14159} {
		assert.True(t, units.Idempotent(x, "mV", "kV", 1e-6), "x=%v", x)
	}
}

func TestOptionsInsertGetDottedPath(t *testing.T) {
	root := New("root")
	root.Insert(NewText("name", "Name", "unnamed"))

	stim := root.AddSection("stimulus")
	stim.Insert(NewNumber("amplitude", "Amplitude", "V", 1.0))

	p, ok := root.Get("stimulus.amplitude")
	require.True(t, ok)
	v, err := p.Number("V")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, ok = root.Get("stimulus.nope")
	assert.False(t, ok)
}

func TestOptionsSnapshotDiff(t *testing.T) {
	root := New("root")
	root.Insert(NewNumber("freq", "Frequency", "Hz", 100))
	root.Insert(NewText("label", "Label", "baseline"))

	snap := root.Snapshot()

	p, _ := root.Get("freq")
	require.NoError(t, p.SetNumber(200, "Hz"))

	changed := root.Diff(snap)
	assert.ElementsMatch(t, []string{"freq"}, changed)
}

func TestOptionsActivation(t *testing.T) {
	root := New("root")
	mode := NewText("mode", "Mode", "manual")
	root.Insert(mode)

	gated := NewNumber("level", "Level", "dB", 0)
	gated.Activation = []Activation{{Name: "mode", Op: "=", Value: "auto"}}
	root.Insert(gated)

	assert.False(t, root.Active(gated))
	require.NoError(t, mode.SetText("auto"))
	assert.True(t, root.Active(gated))
}

func TestOptionsSnapshotDiffDetectsUncertaintyOnlyChange(t *testing.T) {
	root := New("root")
	root.Insert(NewNumber("amp", "Amplitude", "mV", 3.5))

	snap := root.Snapshot()

	p, _ := root.Get("amp")
	require.NoError(t, p.SetUncertainty(0.1, "mV"))

	changed := root.Diff(snap)
	assert.ElementsMatch(t, []string{"amp"}, changed)
}

func TestOptionsActivationNumericWithUnitConversion(t *testing.T) {
	root := New("root")
	threshold := NewNumber("threshold", "Threshold", "V", 0.004)
	root.Insert(threshold)

	gated := NewNumber("gain", "Gain", "dB", 0)
	gated.Activation = []Activation{{Name: "threshold", Op: ">", Value: "5 mV"}}
	root.Insert(gated)

	// 0.004 V = 4 mV, not above the 5 mV gate.
	assert.False(t, root.Active(gated))

	require.NoError(t, threshold.SetNumber(0.006, "V"))
	// 0.006 V = 6 mV, now above the 5 mV gate.
	assert.True(t, root.Active(gated))
}

func TestParameterUncertaintyRoundTripAndFormat(t *testing.T) {
	p := NewNumber("amp", "Amplitude", "mV", 0)
	_, ok, err := p.Uncertainty("mV")
	require.NoError(t, err)
	assert.False(t, ok, "expected no uncertainty before SetUncertainty")

	require.NoError(t, p.SetNumber(3.5, "mV"))
	require.NoError(t, p.SetUncertainty(0.2, "mV"))

	u, ok, err := p.Uncertainty("mV")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.2, u, 1e-12)

	assert.Equal(t, "amp=3.5+-0.2mV", p.FormatAssignment())

	uV, ok, err := p.Uncertainty("V")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.0002, uV, 1e-12)

	clone := p.Clone()
	cu, ok, err := clone.Uncertainty("mV")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.2, cu, 1e-12)
}

func TestEncodeDecodeList(t *testing.T) {
	values := []string{"a", "", "b c", "d"}
	encoded := EncodeList(values)
	assert.Equal(t, `[ a, ~, "b c", d ]`, encoded)

	decoded, err := DecodeList(encoded)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}
