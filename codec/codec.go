// Package codec translates raw CAN payload bytes to named variable values
// and back, driven by per-device descriptor tables.
package codec

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/juju/errors"
)

// Encoding tag: width, signedness and byte order of one variable.
type Encoding string

const (
	Int8      Encoding = "int8"
	Uint8     Encoding = "uint8"
	Int16BE   Encoding = "int16be"
	Int16LE   Encoding = "int16le"
	Uint16BE  Encoding = "uint16be"
	Uint16LE  Encoding = "uint16le"
	Int32BE   Encoding = "int32be"
	Int32LE   Encoding = "int32le"
	Uint32BE  Encoding = "uint32be"
	Uint32LE  Encoding = "uint32le"
	Float32BE Encoding = "float32be"
	Float32LE Encoding = "float32le"
)

func (e Encoding) Size() int {
	switch e {
	case Int8, Uint8:
		return 1
	case Int16BE, Int16LE, Uint16BE, Uint16LE:
		return 2
	case Int32BE, Int32LE, Uint32BE, Uint32LE, Float32BE, Float32LE:
		return 4
	}
	return 0
}

func (e Encoding) Valid() bool { return e.Size() != 0 }

func (e Encoding) order() binary.ByteOrder {
	switch e {
	case Int16LE, Uint16LE, Int32LE, Uint32LE, Float32LE:
		return binary.LittleEndian
	}
	return binary.BigEndian
}

type VariableSpec struct {
	Name string
	Type Encoding
}

// Descriptor is the static per-device template: expected response layout
// and default polling rate. Byte offset of each variable is implicit,
// the cumulative size of preceding variables.
type Descriptor struct {
	ID          uint32
	Variables   []VariableSpec
	DefaultFreq float64
}

// Width is the full payload size in bytes.
func (d *Descriptor) Width() int {
	n := 0
	for _, v := range d.Variables {
		n += v.Type.Size()
	}
	return n
}

func (d *Descriptor) Validate() error {
	seen := make(map[string]struct{}, len(d.Variables))
	for _, v := range d.Variables {
		if v.Name == "" {
			return errors.Errorf("device=0x%X variable with empty name", d.ID)
		}
		if _, ok := seen[v.Name]; ok {
			return errors.Errorf("device=0x%X duplicate variable=%s", d.ID, v.Name)
		}
		seen[v.Name] = struct{}{}
		if !v.Type.Valid() {
			return errors.Errorf("device=0x%X variable=%s unknown type=%s", d.ID, v.Name, v.Type)
		}
	}
	return nil
}

// Decode walks d.Variables in order consuming Size() bytes each.
// A short payload truncates the result: the first variable that does not
// fully fit stops decoding and the partial map is returned. Never errors.
func Decode(d *Descriptor, payload []byte) map[string]float64 {
	values := make(map[string]float64, len(d.Variables))
	offset := 0
	for _, v := range d.Variables {
		size := v.Type.Size()
		if offset+size > len(payload) {
			break
		}
		values[v.Name] = decodeOne(v.Type, payload[offset:offset+size])
		offset += size
	}
	return values
}

// Encode is the inverse of Decode. Variables missing from values encode
// as zero.
func Encode(d *Descriptor, values map[string]float64) []byte {
	payload := make([]byte, 0, d.Width())
	for _, v := range d.Variables {
		payload = encodeOne(payload, v.Type, values[v.Name])
	}
	return payload
}

// EncodeRandom builds a plausible response payload: one random value per
// variable honoring its encoding. Used by the simulated bus.
func EncodeRandom(d *Descriptor, rnd *rand.Rand) []byte {
	payload := make([]byte, 0, d.Width())
	for _, v := range d.Variables {
		var value float64
		switch v.Type {
		case Float32BE, Float32LE:
			value = float64(float32(rnd.Float64() * 100))
		default:
			// 12-bit ADC range, fits every integer encoding
			value = float64(rnd.Intn(1 << 12))
		}
		payload = encodeOne(payload, v.Type, value)
	}
	return payload
}

func decodeOne(e Encoding, b []byte) float64 {
	switch e {
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16BE, Int16LE:
		return float64(int16(e.order().Uint16(b)))
	case Uint16BE, Uint16LE:
		return float64(e.order().Uint16(b))
	case Int32BE, Int32LE:
		return float64(int32(e.order().Uint32(b)))
	case Uint32BE, Uint32LE:
		return float64(e.order().Uint32(b))
	case Float32BE, Float32LE:
		return float64(math.Float32frombits(e.order().Uint32(b)))
	}
	panic("code error codec encoding=" + string(e))
}

func encodeOne(payload []byte, e Encoding, value float64) []byte {
	switch e {
	case Int8:
		return append(payload, byte(int8(value)))
	case Uint8:
		return append(payload, byte(uint8(value)))
	case Int16BE, Int16LE:
		var b [2]byte
		e.order().PutUint16(b[:], uint16(int16(value)))
		return append(payload, b[:]...)
	case Uint16BE, Uint16LE:
		var b [2]byte
		e.order().PutUint16(b[:], uint16(value))
		return append(payload, b[:]...)
	case Int32BE, Int32LE:
		var b [4]byte
		e.order().PutUint32(b[:], uint32(int32(value)))
		return append(payload, b[:]...)
	case Uint32BE, Uint32LE:
		var b [4]byte
		e.order().PutUint32(b[:], uint32(value))
		return append(payload, b[:]...)
	case Float32BE, Float32LE:
		var b [4]byte
		e.order().PutUint32(b[:], math.Float32bits(float32(value)))
		return append(payload, b[:]...)
	}
	panic("code error codec encoding=" + string(e))
}
