package protocol

import (
	"fmt"
	"strings"
)

// Model identifies an actuator hardware variant.
type Model uint8

// Supported actuator models.
const (
	ModelType01 Model = iota + 1
	ModelType02
	ModelType03
	ModelType04
)

// Range is a closed interval of physical values mapped onto a 16-bit wire integer.
type Range struct {
	Min, Max float64
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ModelInfo holds the scaling ranges and start-up behaviour of one actuator model.
type ModelInfo struct {
	Position Range // rad
	Velocity Range // rad/s
	Kp       Range
	Kd       Range
	Torque   Range // N·m

	// ZeroOnInit marks single-encoder actuators whose mechanical zero must be set at start-up.
	ZeroOnInit bool
}

var modelInfos = map[Model]ModelInfo{
	ModelType01: {
		Position:   Range{-12.5, 12.5},
		Velocity:   Range{-44, 44},
		Kp:         Range{0, 500},
		Kd:         Range{0, 5},
		Torque:     Range{-12, 12},
		ZeroOnInit: true,
	},
	ModelType02: {
		Position: Range{-12.5, 12.5},
		Velocity: Range{-44, 44},
		Kp:       Range{0, 500},
		Kd:       Range{0, 5},
		Torque:   Range{-12, 12},
	},
	ModelType03: {
		Position: Range{-12.5, 12.5},
		Velocity: Range{-20, 20},
		Kp:       Range{0, 5000},
		Kd:       Range{0, 100},
		Torque:   Range{-60, 60},
	},
	ModelType04: {
		Position: Range{-12.5, 12.5},
		Velocity: Range{-15, 15},
		Kp:       Range{0, 5000},
		Kd:       Range{0, 100},
		Torque:   Range{-120, 120},
	},
}

// Info returns the scaling table of the model.
func (m Model) Info() (ModelInfo, bool) {
	info, ok := modelInfos[m]
	return info, ok
}

func (m Model) String() string {
	switch m {
	case ModelType01:
		return "01"
	case ModelType02:
		return "02"
	case ModelType03:
		return "03"
	case ModelType04:
		return "04"
	default:
		return fmt.Sprintf("Model(%d)", uint8(m))
	}
}

// ParseModel parses a model name such as "01", "type01" or "RS04".
func ParseModel(s string) (Model, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "type")
	name = strings.TrimPrefix(name, "rs")

	switch name {
	case "01", "1":
		return ModelType01, nil
	case "02", "2":
		return ModelType02, nil
	case "03", "3":
		return ModelType03, nil
	case "04", "4":
		return ModelType04, nil
	default:
		return 0, fmt.Errorf("protocol: invalid actuator model %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Model) MarshalText() ([]byte, error) {
	if _, ok := modelInfos[m]; !ok {
		return nil, fmt.Errorf("protocol: invalid actuator model %d", uint8(m))
	}

	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so models can be named in config files.
func (m *Model) UnmarshalText(text []byte) error {
	parsed, err := ParseModel(string(text))
	if err != nil {
		return err
	}
	*m = parsed

	return nil
}
