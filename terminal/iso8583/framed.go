package iso8583

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	moov8583 "github.com/moov-io/iso8583"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// FramedTransport dials the host per call and performs a single blocking
// send-then-receive of a TPDU-framed message. Used by deployments that
// require the wire-level protocol instead of a persistent channel.
type FramedTransport struct {
	Addr string
	// Dest and Orig are the TPDU destination and originator addresses.
	Dest, Orig uint16
}

// RoundTrip frames packed application data, exchanges it and returns the
// unframed response. timeout bounds dial, write and read together; zero means
// 10 seconds. Errors are TransportErrors; no retries happen here.
func (t *FramedTransport) RoundTrip(packed []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("tcp", t.Addr, timeout)
	if err != nil {
		return nil, &models.TransportError{Kind: models.ConnectFailure, Err: err}
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &models.TransportError{Kind: models.ConnectFailure, Err: err}
	}

	frame := Frame(packed, t.Dest, t.Orig)
	buf := make([]byte, 2, 2+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(frame)))
	buf = append(buf, frame...)

	if _, err := conn.Write(buf); err != nil {
		return nil, &models.TransportError{Kind: timeoutKind(err), Err: fmt.Errorf("writing frame: %w", err)}
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, &models.TransportError{Kind: timeoutKind(err), Err: fmt.Errorf("reading frame length: %w", err)}
	}
	respLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	respFrame := make([]byte, respLen)
	if _, err := io.ReadFull(conn, respFrame); err != nil {
		return nil, &models.TransportError{Kind: timeoutKind(err), Err: fmt.Errorf("reading frame: %w", err)}
	}

	respPacked, _, _, err := Unframe(respFrame)
	if err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: err}
	}
	return respPacked, nil
}

// Exchange packs msg, round-trips it and unpacks the reply.
func (t *FramedTransport) Exchange(msg *moov8583.Message, timeout time.Duration) (*moov8583.Message, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: fmt.Errorf("packing message: %w", err)}
	}

	respPacked, err := t.RoundTrip(packed, timeout)
	if err != nil {
		return nil, err
	}

	resp := moov8583.NewMessage(Spec)
	if err := resp.Unpack(respPacked); err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: fmt.Errorf("unpacking response: %w", err)}
	}
	return resp, nil
}

func timeoutKind(err error) models.TransportFailureKind {
	if os.IsTimeout(err) {
		return models.Timeout
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return models.Timeout
	}
	return models.ConnectFailure
}
