package handshake

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/dipcoater/settings"
)

// DefaultBaud is the link speed the device listens at.
const DefaultBaud = 115200

// OpenSerial opens a serial port for either side of the link. Reads return after readTimeout
// even when no byte arrived, which keeps Session.Tick from blocking the control loop.
func OpenSerial(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	return port, nil
}

// A Client is the host side of the protocol.
type Client struct {
	link    io.ReadWriter
	clk     clock.Clock
	logger  logging.Logger
	timeout time.Duration
}

// NewClient returns a client. Each wait for a device byte gives up after timeout.
func NewClient(link io.ReadWriter, clk clock.Clock, timeout time.Duration, logger logging.Logger) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{link: link, clk: clk, timeout: timeout, logger: logger}
}

// Connect waits for the device to announce itself, then runs the hello/ack/confirm exchange.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.CInfo(ctx, "waiting for device")
	if _, err := c.next(ctx, func(b byte) bool { return b == ByteReady }); err != nil {
		return errors.Wrap(err, "device did not announce itself")
	}

	c.logger.CInfo(ctx, "sending hello")
	if err := c.write(ByteHello); err != nil {
		return err
	}
	b, err := c.next(ctx, func(byte) bool { return true })
	if err != nil {
		return errors.Wrap(err, "no ack from device")
	}
	if b != ByteAck {
		return errors.Errorf("invalid ack byte 0x%02X", b)
	}

	if err := c.write(ByteConfirm); err != nil {
		return err
	}
	c.logger.CInfo(ctx, "connection established")
	return nil
}

// SendSettings requests a settings update and transmits the record.
func (c *Client) SendSettings(ctx context.Context, s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	record, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	c.logger.CInfow(ctx, "writing settings", "settings", s)
	if _, err := c.link.Write(append([]byte{ByteUpdate}, record...)); err != nil {
		return errors.Wrap(err, "error writing settings")
	}
	return nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.write(ByteClose)
}

// next returns the first received byte accepted by match.
func (c *Client) next(ctx context.Context, match func(byte) bool) (byte, error) {
	deadline := c.clk.Now().Add(c.timeout)
	var buf [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.link.Read(buf[:])
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, errors.Wrap(err, "error reading from link")
		}
		if n == 1 && match(buf[0]) {
			return buf[0], nil
		}
		if c.timeout > 0 && !c.clk.Now().Before(deadline) {
			return 0, errors.New("timed out waiting for device")
		}
	}
}

func (c *Client) write(b byte) error {
	if _, err := c.link.Write([]byte{b}); err != nil {
		return errors.Wrapf(err, "error writing 0x%02X to link", b)
	}
	return nil
}
