package state_test

import (
	"strings"
	"testing"

	"github.com/ftcan/ftcan/codec"
	"github.com/ftcan/ftcan/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configFull = `
mqtt {
  telemetry_sub_url = "tcp://127.0.0.1:20101"
}
can {
  driver = "socketcan"
  interface = "can1"
}
audit { path = "log.csv" }
device "0x100" {
  freq = 10
  variable "adc_ch1" { type = "int32be" }
  variable "adc_ch2" { type = "int32be" }
}
device "512" {
  freq = 1
  variable "temp" { type = "int16le" }
}
`

func TestReadConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		input     string
		check     func(*testing.T, *state.Config)
		expectErr string
	}{
		{name: "empty-defaults", input: "", check: func(t *testing.T, c *state.Config) {
			assert.Equal(t, state.DefaultTelemetryPubURL, c.Mqtt.TelemetryPubURL)
			assert.Equal(t, state.DefaultControlSubURL, c.Mqtt.ControlSubURL)
			assert.Equal(t, "sim", c.Can.Driver)
			assert.Equal(t, "can0", c.Can.Interface)
		}},
		{name: "full", input: configFull, check: func(t *testing.T, c *state.Config) {
			assert.Equal(t, "tcp://127.0.0.1:20101", c.Mqtt.TelemetrySubURL)
			assert.Equal(t, state.DefaultTelemetryPubURL, c.Mqtt.TelemetryPubURL)
			assert.Equal(t, "socketcan", c.Can.Driver)
			assert.Equal(t, "can1", c.Can.Interface)
			assert.Equal(t, "log.csv", c.Audit.Path)
			ds, err := c.Descriptors()
			require.NoError(t, err)
			require.Len(t, ds, 2)
			assert.Equal(t, uint32(0x100), ds[0].ID)
			assert.Equal(t, float64(10), ds[0].DefaultFreq)
			require.Len(t, ds[0].Variables, 2)
			assert.Equal(t, codec.VariableSpec{Name: "adc_ch1", Type: codec.Int32BE}, ds[0].Variables[0])
			assert.Equal(t, uint32(512), ds[1].ID)
		}},
		// one element per block, label carries the name: hcl v1 would
		// split an unlabeled block's inline assignments across elements
		{name: "variable-blocks",
			input: `device "0x10" { variable "a" { type = "int8" } variable "b" { type = "uint16be" } }`,
			check: func(t *testing.T, c *state.Config) {
				require.Len(t, c.Devices, 1)
				require.Equal(t, []state.VariableConfig{
					{Name: "a", Type: "int8"},
					{Name: "b", Type: "uint16be"},
				}, c.Devices[0].Variables)
			}},
		{name: "dup-id",
			input:     `device "0x10" { variable "a" { type="int8" } } device "16" { variable "a" { type="int8" } }`,
			expectErr: "duplicates id=0x10"},
		{name: "bad-type",
			input:     `device "0x10" { variable "a" { type="int64" } }`,
			expectErr: "unknown type=int64"},
		{name: "too-wide",
			input:     `device "0x10" { variable "a" { type="int32be" } variable "b" { type="int32be" } variable "c" { type="int8" } }`,
			expectErr: "exceeds 8 bytes"},
		{name: "bad-id",
			input:     `device "zzz" { variable "a" { type="int8" } }`,
			expectErr: "device id=zzz"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := state.ReadConfig(strings.NewReader(c.input))
			if c.expectErr == "" {
				require.NoError(t, err)
				c.check(t, cfg)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
		})
	}
}

func TestParseDeviceID(t *testing.T) {
	t.Parallel()
	for _, c := range []struct {
		input  string
		expect uint32
		ok     bool
	}{
		{"0x100", 0x100, true},
		{"0X1a", 0x1A, true},
		{"256", 256, true},
		{" 0x100 ", 0x100, true},
		{"", 0, false},
		{"0x", 0, false},
		{"-1", 0, false},
	} {
		id, err := state.ParseDeviceID(c.input)
		if c.ok {
			require.NoError(t, err, c.input)
			assert.Equal(t, c.expect, id, c.input)
		} else {
			assert.Error(t, err, c.input)
		}
	}
	assert.Equal(t, "0x100", state.FormatDeviceID(0x100))
	assert.Equal(t, "0x1AB", state.FormatDeviceID(0x1ab))
}

func TestStateFreqTable(t *testing.T) {
	t.Parallel()
	st := state.New([]codec.Descriptor{{ID: 0x100, DefaultFreq: 10}})

	hz, ok := st.Freq(0x100)
	require.True(t, ok)
	assert.Equal(t, float64(10), hz)

	_, ok = st.Freq(0x200)
	assert.False(t, ok)

	// open table: unknown id accepted
	st.SetFreq(0x200, 5)
	hz, ok = st.Freq(0x200)
	require.True(t, ok)
	assert.Equal(t, float64(5), hz)

	// explicit pause is distinct from never-configured
	st.SetFreq(0x100, 0)
	hz, ok = st.Freq(0x100)
	require.True(t, ok)
	assert.Equal(t, float64(0), hz)

	// idempotent: same write twice leaves the table identical
	st.SetFreq(0x200, 5)
	assert.Equal(t, map[uint32]float64{0x100: 0, 0x200: 5}, st.Freqs())
}

func TestStateSnapshot(t *testing.T) {
	t.Parallel()
	st := state.New(nil)
	st.MergeSnapshot(map[string]float64{"a": 1, "b": 2})
	st.MergeSnapshot(map[string]float64{"b": 3})

	snap := st.Snapshot()
	assert.Equal(t, map[string]float64{"a": 1, "b": 3}, snap)

	// returned copy is isolated from later merges
	st.MergeSnapshot(map[string]float64{"c": 4})
	_, ok := snap["c"]
	assert.False(t, ok)
}
