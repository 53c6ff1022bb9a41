package can

import (
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const (
	MaxDataLen = 8
	MaxStdID   = 0x7FF
	MaxExtID   = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// Frame is one classical CAN frame, transient per bus transaction.
// RTR frames carry no data and ask the device to respond with current
// values.
type Frame struct {
	ID       uint32
	Data     []byte
	RTR      bool
	Extended bool
}

// NewRTR builds a payload-less remote request frame.
func NewRTR(id uint32) Frame {
	return Frame{ID: id, RTR: true, Extended: id > MaxStdID}
}

func (f Frame) Validate() error {
	if len(f.Data) > MaxDataLen {
		return ErrInvalidLen
	}
	max := uint32(MaxStdID)
	if f.Extended {
		max = MaxExtID
	}
	if f.ID > max {
		return ErrInvalidID
	}
	return nil
}

func (f Frame) String() string {
	kind := ""
	if f.RTR {
		kind = " RTR"
	}
	return fmt.Sprintf("<0x%X%s (%02d) %s>", f.ID, kind, len(f.Data), hex.EncodeToString(f.Data))
}
