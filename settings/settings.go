// Package settings holds the device configuration record: its binary layout, which is shared by
// the on-device store and the settings-transfer link, and a marker-guarded store for it.
package settings

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// RecordSize is the size of the binary record. The layout follows the device's native struct:
//
//	offset 0  uint32 steps_per_mm
//	offset 4  uint32 max_steps_count
//	offset 8  uint8  driver_steps_division
//	offset 9  uint8  log_level
//	offset 10 two reserved bytes (struct padding, written as zero)
//
// All multi-byte fields are little-endian.
const RecordSize = 12

// ErrShortRecord is returned when fewer than RecordSize bytes are available.
var ErrShortRecord = errors.New("settings record is too short")

// Log levels as stored in the record.
const (
	LogDebug uint8 = 0
	LogInfo  uint8 = 1
	LogNone  uint8 = 2
)

// Settings is the persisted device configuration.
type Settings struct {
	StepsPerMM          uint32 `json:"steps_per_mm" mapstructure:"steps_per_mm"`
	MaxStepsCount       uint32 `json:"max_steps_count" mapstructure:"max_steps_count"`
	DriverStepsDivision uint8  `json:"driver_steps_division" mapstructure:"driver_steps_division"`
	LogLevel            uint8  `json:"log_level" mapstructure:"log_level"`
}

// Defaults returns the factory configuration.
func Defaults() Settings {
	return Settings{StepsPerMM: 300, MaxStepsCount: 700, DriverStepsDivision: 1, LogLevel: LogDebug}
}

// Validate checks that the record can drive an actuator.
func (s Settings) Validate() error {
	if s.StepsPerMM == 0 {
		return errors.New("steps_per_mm must be greater than zero")
	}
	if uint64(s.StepsPerMM)*uint64(s.Division()) > math.MaxUint32 {
		return errors.Errorf("steps_per_mm %d with division %d overflows the effective steps per mm",
			s.StepsPerMM, s.Division())
	}
	return nil
}

// MarshalBinary encodes the record.
func (s Settings) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.StepsPerMM)
	binary.LittleEndian.PutUint32(buf[4:8], s.MaxStepsCount)
	buf[8] = s.DriverStepsDivision
	buf[9] = s.LogLevel
	return buf, nil
}

// UnmarshalBinary decodes the record. Reserved bytes are ignored.
func (s *Settings) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return errors.Wrapf(ErrShortRecord, "got %d of %d bytes", len(data), RecordSize)
	}
	s.StepsPerMM = binary.LittleEndian.Uint32(data[0:4])
	s.MaxStepsCount = binary.LittleEndian.Uint32(data[4:8])
	s.DriverStepsDivision = data[8]
	s.LogLevel = data[9]
	return nil
}

// Division returns the driver microstep division, treating zero as one.
func (s Settings) Division() uint32 {
	if s.DriverStepsDivision == 0 {
		return 1
	}
	return uint32(s.DriverStepsDivision)
}

// EffectiveStepsPerMM is the number of driver steps per millimetre once microstepping is
// taken into account.
func (s Settings) EffectiveStepsPerMM() uint32 {
	return s.StepsPerMM * s.Division()
}

// MaxSpeedByDistanceRate is the speed ceiling in mm/s.
func (s Settings) MaxSpeedByDistanceRate() float64 {
	spm := s.EffectiveStepsPerMM()
	if spm == 0 {
		return 0
	}
	return float64(s.MaxStepsCount) / float64(spm)
}

// LogLevelName returns the display name of the log level.
func (s Settings) LogLevelName() string {
	switch s.LogLevel {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	default:
		return "NO_LOG"
	}
}

// LoggerLevel maps the stored log level onto a logger level. NO_LOG keeps errors only.
func (s Settings) LoggerLevel() logging.Level {
	switch s.LogLevel {
	case LogDebug:
		return logging.DEBUG
	case LogInfo:
		return logging.INFO
	default:
		return logging.ERROR
	}
}
