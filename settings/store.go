package settings

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.viam.com/rdk/logging"
)

// Marker bytes stored ahead of the record.
const (
	markerDefault byte = 0xFA
	markerCustom  byte = 0xFB
)

// State describes how the stored record came to be.
type State int

// Store states.
const (
	Uninitialized State = iota
	FactoryDefault
	UserCustomized
)

func (s State) String() string {
	switch s {
	case FactoryDefault:
		return "factory default"
	case UserCustomized:
		return "user customized"
	default:
		return "uninitialized"
	}
}

// A Store persists one Settings record in a file laid out as a marker byte followed by the
// binary record.
type Store struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	logger logging.Logger
}

// NewStore returns a store backed by path on fs.
func NewStore(fs afero.Fs, path string, logger logging.Logger) *Store {
	return &Store{fs: fs, path: path, logger: logger}
}

func (st *Store) read() ([]byte, error) {
	data, err := afero.ReadFile(st.fs, st.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading settings from %s", st.path)
	}
	return data, nil
}

func stateOf(data []byte) State {
	if len(data) < 1+RecordSize {
		return Uninitialized
	}
	switch data[0] {
	case markerDefault:
		return FactoryDefault
	case markerCustom:
		return UserCustomized
	default:
		return Uninitialized
	}
}

// State reports whether the store holds factory defaults, a user record, or nothing usable.
func (st *Store) State() (State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	data, err := st.read()
	if err != nil {
		return Uninitialized, err
	}
	return stateOf(data), nil
}

// Load returns the stored record. An uninitialized store is first reset to factory defaults.
func (st *Store) Load() (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	data, err := st.read()
	if err != nil {
		return Settings{}, err
	}
	if stateOf(data) == Uninitialized {
		st.logger.Infof("settings store %s is uninitialized, writing factory defaults", st.path)
		if err := st.write(markerDefault, Defaults()); err != nil {
			return Settings{}, err
		}
		return Defaults(), nil
	}
	var s Settings
	if err := s.UnmarshalBinary(data[1:]); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Save stores a user record.
func (st *Store) Save(s Settings) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.write(markerCustom, s)
}

// Reset stores the factory defaults.
func (st *Store) Reset() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.write(markerDefault, Defaults())
}

func (st *Store) write(marker byte, s Settings) error {
	record, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(st.fs, st.path, append([]byte{marker}, record...), 0o644); err != nil {
		return errors.Wrapf(err, "error writing settings to %s", st.path)
	}
	return nil
}
