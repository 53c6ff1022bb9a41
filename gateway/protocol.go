package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"github.com/ftcan/ftcan/state"
)

// Topics on the two channels. Telemetry carries per-frame and
// snapshot publishes, control carries the frequency protocol.
const (
	TopicSensors   = "SENSORS"
	TopicConfig    = "CONFIG"
	TopicConfigAck = "CONFIG_ACK"
)

// TopicCAN names the per-device telemetry topic: uppercase hex, no 0x.
func TopicCAN(id uint32) string { return fmt.Sprintf("CAN_%X", id) }

const (
	MsgFrequencyUpdate  = "frequency_update"
	MsgFrequencyApplied = "frequency_applied"
)

// FreqMessage is both the request on CONFIG and the acknowledge on
// CONFIG_ACK, distinguished by Type. ID is canonicalized to
// 0x-prefixed uppercase hex in every ack regardless of request form.
type FreqMessage struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Frequency float64 `json:"frequency"`
}

// ParseFreqRequest validates a CONFIG payload. Nothing is mutated on
// error, the caller logs and drops.
func ParseFreqRequest(payload []byte) (uint32, float64, error) {
	var m FreqMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, 0, errors.Annotate(err, "config payload")
	}
	if m.Type != MsgFrequencyUpdate {
		return 0, 0, errors.Errorf("config type=%q expected=%q", m.Type, MsgFrequencyUpdate)
	}
	id, err := state.ParseDeviceID(m.ID)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "config id=%q", m.ID)
	}
	if m.Frequency < 0 {
		return 0, 0, errors.Errorf("config id=%s frequency=%g negative", m.ID, m.Frequency)
	}
	return id, m.Frequency, nil
}

func encodeFreqAck(id uint32, hz float64) []byte {
	b, err := json.Marshal(FreqMessage{
		Type:      MsgFrequencyApplied,
		ID:        state.FormatDeviceID(id),
		Frequency: hz,
	})
	if err != nil {
		// struct of scalars, cannot fail
		panic(err)
	}
	return b
}
