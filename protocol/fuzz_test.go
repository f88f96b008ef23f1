package protocol

import (
	"errors"
	"testing"
)

// FuzzDecodeBytes feeds arbitrary bytes to the reply decoder. DecodeBytes must never panic,
// and every failure must wrap ErrDecode.
func FuzzDecodeBytes(f *testing.F) {
	c := NewCodec(DebugHostID, map[Address]Model{0x01: ModelType01, 0x7F: ModelType04})

	fb, _ := c.EncodeFeedback(0x01, Feedback{Position: 1, Temperature: 30})
	f.Add(fb.Pack())
	pf := c.EncodeParameter(0x7F, ParameterValue{Index: ParamVBus, Raw: 7}, false)
	f.Add(pf.Pack())
	ff := c.EncodeFaultReport(0x01, FaultReport{Fault: 1})
	f.Add(ff.Pack())
	f.Add([]byte{'A', 'T', 0, 0, 0, 4, 0, '\r', '\n'})
	f.Add([]byte{'A', 'T', 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		reply, err := c.DecodeBytes(data)
		if err != nil {
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("error %v does not wrap ErrDecode", err)
			}
			if reply != (Reply{}) {
				t.Fatalf("partial reply %+v returned with error", reply)
			}
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			t.Fatalf("decoded reply from unparsable frame: %v", err)
		}
		if got := frame.Pack(); string(got) != string(data) {
			t.Fatalf("re-packed frame % X differs from input % X", got, data)
		}
	})
}
