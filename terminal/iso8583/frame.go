package iso8583

import (
	"encoding/binary"
	"fmt"
)

// TPDU identifier for application data.
const tpduID = 0x60

// Frame wraps a packed message in the wire-level envelope: a 5-byte TPDU
// header (id + destination + originator addresses) followed by the message
// and a single XOR LRC trailer computed over header and body.
func Frame(packed []byte, dest, orig uint16) []byte {
	out := make([]byte, 0, 5+len(packed)+1)
	out = append(out, tpduID)
	out = binary.BigEndian.AppendUint16(out, dest)
	out = binary.BigEndian.AppendUint16(out, orig)
	out = append(out, packed...)
	out = append(out, lrc(out))
	return out
}

// Unframe validates the envelope and returns the packed message together with
// the destination and originator addresses.
func Unframe(frame []byte) (packed []byte, dest, orig uint16, err error) {
	if len(frame) < 7 {
		return nil, 0, 0, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != tpduID {
		return nil, 0, 0, fmt.Errorf("unexpected tpdu id 0x%02x", frame[0])
	}
	body, trailer := frame[:len(frame)-1], frame[len(frame)-1]
	if got := lrc(body); got != trailer {
		return nil, 0, 0, fmt.Errorf("lrc mismatch: got 0x%02x want 0x%02x", trailer, got)
	}
	dest = binary.BigEndian.Uint16(frame[1:3])
	orig = binary.BigEndian.Uint16(frame[3:5])
	return body[5:], dest, orig, nil
}

func lrc(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}
