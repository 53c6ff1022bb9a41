// Package state holds the static configuration and the live mutable state
// shared between the scheduler and the config protocol handler.
package state

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/codec"
)

const (
	DefaultTelemetryPubURL = "tcp://127.0.0.1:10111"
	DefaultTelemetrySubURL = "tcp://127.0.0.1:10101"
	DefaultControlPubURL   = "tcp://127.0.0.1:10112"
	DefaultControlSubURL   = "tcp://127.0.0.1:10102"
)

type Config struct {
	Mqtt struct {
		// publishers connect to *_pub_url, subscribers to *_sub_url;
		// the broker binds both
		TelemetryPubURL   string `hcl:"telemetry_pub_url"`
		TelemetrySubURL   string `hcl:"telemetry_sub_url"`
		ControlPubURL     string `hcl:"control_pub_url"`
		ControlSubURL     string `hcl:"control_sub_url"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	} `hcl:"mqtt"`

	Can struct {
		Driver    string `hcl:"driver"` // sim|socketcan
		Interface string `hcl:"interface"`
		LogDebug  bool   `hcl:"log_debug"`
	} `hcl:"can"`

	Audit struct {
		Path string `hcl:"path"`
	} `hcl:"audit"`

	Devices []DeviceConfig `hcl:"device"`
}

type DeviceConfig struct {
	ID        string           `hcl:",key"`
	Freq      float64          `hcl:"freq"`
	Variables []VariableConfig `hcl:"variable"`
}

// Labeled like device blocks: variable "adc_ch1" { type = "int32be" }.
// hcl v1 splits inline assignments of unlabeled blocks across slice
// elements, so the name rides on the block label.
type VariableConfig struct {
	Name string `hcl:",key"`
	Type string `hcl:"type"`
}

func ReadConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := new(Config)
	if err = hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config parse")
	}
	c.setDefaults()
	if _, err = c.Descriptors(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

func ReadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	defer f.Close()
	return ReadConfig(f)
}

func (c *Config) setDefaults() {
	if c.Mqtt.TelemetryPubURL == "" {
		c.Mqtt.TelemetryPubURL = DefaultTelemetryPubURL
	}
	if c.Mqtt.TelemetrySubURL == "" {
		c.Mqtt.TelemetrySubURL = DefaultTelemetrySubURL
	}
	if c.Mqtt.ControlPubURL == "" {
		c.Mqtt.ControlPubURL = DefaultControlPubURL
	}
	if c.Mqtt.ControlSubURL == "" {
		c.Mqtt.ControlSubURL = DefaultControlSubURL
	}
	if c.Can.Driver == "" {
		c.Can.Driver = "sim"
	}
	if c.Can.Interface == "" {
		c.Can.Interface = "can0"
	}
}

// Descriptors converts the device blocks into immutable codec descriptors.
// Exactly one descriptor per id.
func (c *Config) Descriptors() ([]codec.Descriptor, error) {
	ds := make([]codec.Descriptor, 0, len(c.Devices))
	seen := make(map[uint32]string, len(c.Devices))
	for _, dev := range c.Devices {
		id, err := ParseDeviceID(dev.ID)
		if err != nil {
			return nil, errors.Annotatef(err, "config device=%s", dev.ID)
		}
		if first, ok := seen[id]; ok {
			return nil, errors.Errorf("config device=%s duplicates id=0x%X first=%s", dev.ID, id, first)
		}
		seen[id] = dev.ID
		d := codec.Descriptor{ID: id, DefaultFreq: dev.Freq}
		for _, v := range dev.Variables {
			d.Variables = append(d.Variables, codec.VariableSpec{Name: v.Name, Type: codec.Encoding(v.Type)})
		}
		if err = d.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if d.Width() > 8 {
			return nil, errors.Errorf("config device=%s payload width=%d exceeds 8 bytes", dev.ID, d.Width())
		}
		ds = append(ds, d)
	}
	return ds, nil
}

// ParseDeviceID accepts "0x"-prefixed hex or plain decimal.
func ParseDeviceID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	id, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "device id=%s", s)
	}
	return uint32(id), nil
}

// FormatDeviceID is the canonical wire form of a device id: "0x" and
// uppercase hex, matching the CAN_<HEXID> topic grammar.
func FormatDeviceID(id uint32) string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(id), 16))
}
