package iso8583

import (
	"errors"
	"fmt"
	"io"
	"time"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/network"
	connection "github.com/moov-io/iso8583-connection"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// Client keeps a long-lived connection to the acquirer host and performs
// request/response exchanges with length-prefixed messages. Responses are
// matched to requests by STAN.
type Client struct {
	addr        string
	sendTimeout time.Duration
	conn        *connection.Connection
}

// NewClient configures a client for addr. sendTimeout bounds each exchange;
// zero means the 10 second default.
func NewClient(addr string, sendTimeout time.Duration) *Client {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Client{addr: addr, sendTimeout: sendTimeout}
}

// Connect establishes the long-lived connection. Calling it again on a
// connected client is a no-op.
func (c *Client) Connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := connection.New(
		c.addr,
		Spec,
		readMessageLength,
		writeMessageLength,
		connection.ConnectTimeout(c.sendTimeout),
		connection.SendTimeout(c.sendTimeout),
	)
	if err != nil {
		return fmt.Errorf("creating iso8583 connection: %w", err)
	}

	if err := conn.Connect(); err != nil {
		return &models.TransportError{Kind: models.ConnectFailure, Err: err}
	}

	c.conn = conn
	return nil
}

// Send performs one exchange. The returned error is always a TransportError.
func (c *Client) Send(msg *moov8583.Message) (*moov8583.Message, error) {
	if c.conn == nil {
		return nil, &models.TransportError{Kind: models.ConnectFailure, Err: fmt.Errorf("not connected")}
	}

	resp, err := c.conn.Send(msg)
	if err != nil {
		kind := models.ProtocolError
		switch {
		case errors.Is(err, connection.ErrSendTimeout):
			kind = models.Timeout
		case errors.Is(err, connection.ErrConnectionClosed):
			kind = models.ConnectFailure
		}
		return nil, &models.TransportError{Kind: kind, Err: err}
	}

	return resp, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func readMessageLength(r io.Reader) (int, error) {
	header := network.NewBinary2BytesHeader()
	_, err := header.ReadFrom(r)
	if err != nil {
		return 0, err
	}
	return header.Length(), nil
}

func writeMessageLength(w io.Writer, length int) (int, error) {
	header := network.NewBinary2BytesHeader()
	if err := header.SetLength(length); err != nil {
		return 0, err
	}
	return header.WriteTo(w)
}
