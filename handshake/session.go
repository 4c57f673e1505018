// Package handshake implements the byte-oriented settings-transfer protocol spoken over the
// dip-coater's serial link.
//
// The device announces itself with a ready byte. The host opens a session with a hello byte,
// the device acknowledges, and the host confirms. Once established the host either requests a
// settings update, followed by the fixed-size settings record, or closes the session. An
// unexpected byte is rejected with a zero byte and does not change the session state.
package handshake

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/dipcoater/settings"
)

// Protocol bytes.
const (
	ByteReady   byte = 0xF5
	ByteHello   byte = 0xF0
	ByteAck     byte = 0xF1
	ByteConfirm byte = 0xF2
	ByteUpdate  byte = 0x11
	ByteClose   byte = 0x12
	ByteReject  byte = 0x00
)

// DefaultPayloadTimeout bounds the wait for a complete settings record.
const DefaultPayloadTimeout = time.Second

// State of a device-side session.
type State int

// Session states.
const (
	AwaitingConnectionRequest State = iota
	AwaitingAck
	Established
	ReadyToUpdate
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingConnectionRequest:
		return "awaiting connection request"
	case AwaitingAck:
		return "awaiting ack"
	case Established:
		return "established"
	case ReadyToUpdate:
		return "ready to update"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is what a single tick did.
type Event int

// Events.
const (
	EventNone Event = iota
	EventAckSent
	EventWrongRequest
	EventWrongAck
	EventEstablished
	EventUpdateRequested
	EventUnknownCommand
	EventSettingsUpdated
	EventInvalidSettings
	EventClosed
)

var eventText = map[Event]string{
	EventAckSent:         "ACK BYTE SENT",
	EventWrongRequest:    "WRONG REQUEST BYTE",
	EventWrongAck:        "WRONG ACK BYTE",
	EventEstablished:     "CONNECTION ESTABLISHED",
	EventUpdateRequested: "UPDATING SETTINGS",
	EventUnknownCommand:  "UNKNOWN COMMAND",
	EventSettingsUpdated: "Params updated. Please restart device.",
	EventInvalidSettings: "INVALID STRUCT",
	EventClosed:          "CONNECTION CLOSED",
}

func (e Event) String() string {
	return eventText[e]
}

// Failure reports whether the event is a rejection.
func (e Event) Failure() bool {
	switch e {
	case EventWrongRequest, EventWrongAck, EventUnknownCommand, EventInvalidSettings, EventClosed:
		return true
	default:
		return false
	}
}

// SettingsSink persists a received settings record.
type SettingsSink interface {
	Save(s settings.Settings) error
}

// A Session is the device side of the protocol. It is driven by calling Tick once per control
// loop iteration.
type Session struct {
	link           io.ReadWriter
	sink           SettingsSink
	clk            clock.Clock
	logger         logging.Logger
	payloadTimeout time.Duration
	state          State

	// settings record being received while in ReadyToUpdate
	payload         []byte
	payloadDeadline time.Time
}

// NewSession returns a session waiting for a connection request.
func NewSession(link io.ReadWriter, sink SettingsSink, clk clock.Clock, logger logging.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		link:           link,
		sink:           sink,
		clk:            clk,
		logger:         logger,
		payloadTimeout: DefaultPayloadTimeout,
		state:          AwaitingConnectionRequest,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// AnnounceReady tells a waiting host that the device is listening.
func (s *Session) AnnounceReady() error {
	return s.write(ByteReady)
}

// Tick performs at most one transition and never waits on the link. It consumes at most one
// request byte, or the available part of the settings record when an update was requested.
func (s *Session) Tick(ctx context.Context) (Event, error) {
	switch s.state {
	case Closed:
		return EventNone, nil
	case ReadyToUpdate:
		return s.receiveSettings(ctx)
	}

	b, ok, err := s.readByte()
	if err != nil || !ok {
		return EventNone, err
	}
	s.logger.Debugf("handshake: received 0x%02X in state %s", b, s.state)

	switch s.state {
	case AwaitingConnectionRequest:
		if b != ByteHello {
			return EventWrongRequest, s.write(ByteReject)
		}
		if err := s.write(ByteAck); err != nil {
			return EventNone, err
		}
		s.state = AwaitingAck
		return EventAckSent, nil
	case AwaitingAck:
		if b != ByteConfirm {
			return EventWrongAck, s.write(ByteReject)
		}
		s.state = Established
		return EventEstablished, nil
	case Established:
		switch b {
		case ByteUpdate:
			s.state = ReadyToUpdate
			s.payload = make([]byte, 0, settings.RecordSize)
			s.payloadDeadline = s.clk.Now().Add(s.payloadTimeout)
			return EventUpdateRequested, nil
		case ByteClose:
			s.state = Closed
			return EventClosed, nil
		default:
			return EventUnknownCommand, s.write(ByteReject)
		}
	}
	return EventNone, errors.Errorf("unexpected session state %d", s.state)
}

// receiveSettings reads whatever part of the record is available without waiting for the rest,
// so a record spread over several ticks never blocks the control loop.
func (s *Session) receiveSettings(ctx context.Context) (Event, error) {
	buf := make([]byte, settings.RecordSize-len(s.payload))
	n, err := s.link.Read(buf)
	s.payload = append(s.payload, buf[:n]...)
	if err != nil && !errors.Is(err, io.EOF) {
		s.state = Established
		return EventNone, errors.Wrap(err, "error reading settings record")
	}
	if len(s.payload) < settings.RecordSize {
		if s.clk.Now().Before(s.payloadDeadline) {
			return EventNone, nil
		}
		s.state = Established
		s.logger.CWarnf(ctx, "discarding short settings record: %d of %d bytes", len(s.payload), settings.RecordSize)
		return EventInvalidSettings, nil
	}
	s.state = Established

	var rec settings.Settings
	if err := rec.UnmarshalBinary(s.payload); err != nil {
		return EventInvalidSettings, nil
	}
	if err := rec.Validate(); err != nil {
		s.logger.CWarnw(ctx, "discarding invalid settings record", "error", err)
		return EventInvalidSettings, nil
	}
	if err := s.sink.Save(rec); err != nil {
		return EventNone, errors.Wrap(err, "error storing received settings")
	}
	s.logger.CInfow(ctx, "stored received settings", "settings", rec)
	return EventSettingsUpdated, nil
}

func (s *Session) readByte() (byte, bool, error) {
	var buf [1]byte
	n, err := s.link.Read(buf[:])
	if n == 1 {
		return buf[0], true, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false, errors.Wrap(err, "error reading from link")
	}
	return 0, false, nil
}

func (s *Session) write(b byte) error {
	if _, err := s.link.Write([]byte{b}); err != nil {
		return errors.Wrapf(err, "error writing 0x%02X to link", b)
	}
	return nil
}
