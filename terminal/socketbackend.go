package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	moov8583 "github.com/moov-io/iso8583"

	term8583 "github.com/alovak/cardflow-terminal/terminal/iso8583"
	"github.com/alovak/cardflow-terminal/terminal/models"
)

// SocketBackend sends the raw binary frame built by the codec over the
// ISO 8583 rail, either through a persistent length-prefixed connection or
// through a dial-per-call TPDU framed exchange.
type SocketBackend struct {
	client  *term8583.Client
	framed  *term8583.FramedTransport
	timeout time.Duration
}

// NewSocketBackend wires the socket transport per config. The persistent
// client connects lazily on first use.
func NewSocketBackend(cfg *Config) *SocketBackend {
	b := &SocketBackend{timeout: cfg.SocketTimeout}
	if cfg.FramedSocket {
		b.framed = &term8583.FramedTransport{Addr: cfg.ISO8583Addr, Dest: cfg.TPDUDest, Orig: cfg.TPDUOrig}
	} else {
		b.client = term8583.NewClient(cfg.ISO8583Addr, cfg.SocketTimeout)
	}
	return b
}

func (b *SocketBackend) Authorize(ctx context.Context, req *models.AuthorizationRequest) (*models.AuthorizationResponse, error) {
	resp, err := b.exchangeFrame(req.RawFrame)
	if err != nil {
		return nil, err
	}

	code, err := resp.GetString(39)
	if err != nil || code == "" {
		return nil, &models.DecodeError{Reason: "response without field 39"}
	}
	authCode, _ := resp.GetString(38)
	rrn, _ := resp.GetString(37)

	return &models.AuthorizationResponse{
		ResponseCode: code,
		AuthCode:     authCode,
		RRN:          rrn,
	}, nil
}

func (b *SocketBackend) Reverse(ctx context.Context, req *models.ReversalRequest) (*models.ReversalResponse, error) {
	resp, err := b.exchangeFrame(req.RawFrame)
	if err != nil {
		return nil, err
	}
	code, err := resp.GetString(39)
	if err != nil || code == "" {
		return nil, &models.DecodeError{Reason: "reversal response without field 39"}
	}
	return &models.ReversalResponse{ResponseCode: code}, nil
}

// RotateKey issues a network management key-change exchange. The new key
// material arrives in field 48 with its check value in field 53.
func (b *SocketBackend) RotateKey(ctx context.Context, req *models.KeyRotationRequest) (*models.KeyRotationResponse, error) {
	msg := moov8583.NewMessage(term8583.Spec)
	msg.MTI(term8583.MTINetworkMgmtRequest)
	stan := fmt.Sprintf("%06d", rand.Intn(1000000))
	for i, v := range map[int]string{11: stan, 41: req.TerminalID, 70: term8583.NetMgmtKeyChange} {
		if err := msg.Field(i, v); err != nil {
			return nil, &models.TransportError{Kind: models.ProtocolError, Err: err}
		}
	}

	resp, err := b.exchange(msg)
	if err != nil {
		return nil, err
	}

	code, err := resp.GetString(39)
	if err != nil || code == "" {
		return nil, &models.DecodeError{Reason: "key change response without field 39"}
	}
	material, _ := resp.GetString(48)
	kcv, _ := resp.GetString(53)
	return &models.KeyRotationResponse{
		ResponseCode:  code,
		KeyID:         "tkpe-" + stan,
		KeyMaterial:   material,
		KeyCheckValue: kcv,
	}, nil
}

// exchangeFrame unwraps the codec's base64 TPDU frame and exchanges the
// message inside it.
func (b *SocketBackend) exchangeFrame(rawFrame string) (*moov8583.Message, error) {
	frame, err := base64.StdEncoding.DecodeString(rawFrame)
	if err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: fmt.Errorf("decoding raw frame: %w", err)}
	}
	packed, _, _, err := term8583.Unframe(frame)
	if err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: err}
	}

	if b.framed != nil {
		respPacked, err := b.framed.RoundTrip(packed, b.timeout)
		if err != nil {
			return nil, err
		}
		resp := moov8583.NewMessage(term8583.Spec)
		if err := resp.Unpack(respPacked); err != nil {
			return nil, &models.TransportError{Kind: models.ProtocolError, Err: fmt.Errorf("unpacking response: %w", err)}
		}
		return resp, nil
	}

	msg := moov8583.NewMessage(term8583.Spec)
	if err := msg.Unpack(packed); err != nil {
		return nil, &models.TransportError{Kind: models.ProtocolError, Err: fmt.Errorf("unpacking request frame: %w", err)}
	}
	return b.sendPersistent(msg)
}

func (b *SocketBackend) exchange(msg *moov8583.Message) (*moov8583.Message, error) {
	if b.framed != nil {
		return b.framed.Exchange(msg, b.timeout)
	}
	return b.sendPersistent(msg)
}

func (b *SocketBackend) sendPersistent(msg *moov8583.Message) (*moov8583.Message, error) {
	if err := b.ensureConnected(); err != nil {
		return nil, err
	}
	return b.client.Send(msg)
}

var errNotConnected = fmt.Errorf("socket backend not connected")

func (b *SocketBackend) ensureConnected() error {
	if b.client == nil {
		return &models.TransportError{Kind: models.ConnectFailure, Err: errNotConnected}
	}
	return b.client.Connect()
}

func (b *SocketBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
