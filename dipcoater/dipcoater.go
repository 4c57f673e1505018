//go:build linux

// Package dipcoater implements a dip-coater linear actuator driven through a board's GPIO pins.
package dipcoater

import (
	"context"
	"io"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/dipcoater/handshake"
	"github.com/viam-modules/dipcoater/modes"
	"github.com/viam-modules/dipcoater/panel"
	"github.com/viam-modules/dipcoater/program"
	"github.com/viam-modules/dipcoater/settings"
	"github.com/viam-modules/dipcoater/stepper"
)

// Config defaults.
const (
	defaultProgramPath  = "program.json"
	defaultSettingsPath = "settings.bin"
	serialReadTimeout   = 10 * time.Millisecond
)

// PinConfig names the board pins the coater is wired to.
type PinConfig struct {
	Step       string `json:"step"`
	Dir        string `json:"dir"`
	Enable     string `json:"enable"`
	Stop       string `json:"stop"`
	Accept     string `json:"accept"`
	Up         string `json:"up"`
	Down       string `json:"down"`
	UpperLimit string `json:"upper_limit"`
	LowerLimit string `json:"lower_limit"`
}

func (p PinConfig) named() [][2]string {
	return [][2]string{
		{"step", p.Step},
		{"dir", p.Dir},
		{"enable", p.Enable},
		{"stop", p.Stop},
		{"accept", p.Accept},
		{"up", p.Up},
		{"down", p.Down},
		{"upper_limit", p.UpperLimit},
		{"lower_limit", p.LowerLimit},
	}
}

// Config describes the configuration of a dip-coater.
type Config struct {
	BoardName      string    `json:"board"`
	Pins           PinConfig `json:"pins"`
	InvertDir      bool      `json:"invert_dir,omitempty"`
	InvertEnable   bool      `json:"invert_enable,omitempty"`
	InvertLimiters bool      `json:"invert_limiters,omitempty"`
	InvertButtons  bool      `json:"invert_buttons,omitempty"`
	ProgramPath    string    `json:"program_path,omitempty"`
	SettingsPath   string    `json:"settings_path,omitempty"`
	SerialPath     string    `json:"serial_path,omitempty"`
	SerialBaud     int       `json:"serial_baud,omitempty"`
	DebounceMS     int       `json:"debounce_ms,omitempty"`
	HoldMS         int       `json:"hold_ms,omitempty"`
}

// Model for the dip-coater actuator.
var Model = resource.NewModel("viam", "dip-coater", "actuator")

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	for _, pin := range config.Pins.named() {
		if pin[1] == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins."+pin[0])
		}
	}
	if config.SerialBaud < 0 {
		return nil, nil, errors.New("serial_baud cannot be negative")
	}
	if config.DebounceMS < 0 || config.HoldMS < 0 {
		return nil, nil, errors.New("debounce_ms and hold_ms cannot be negative")
	}
	return []string{config.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newCoater,
	})
}

// A Coater runs one operating mode at a time against the actuator and panel.
type Coater struct {
	resource.Named
	resource.AlwaysRebuild
	logger  logging.Logger
	opMgr   *operation.SingleOperationManager
	act     *stepper.Actuator
	store   *settings.Store
	display *modes.LogDisplay
	device  *modes.Device

	// runMu is held for the whole of a mode run; Close and stop take it to wait the run out.
	runMu sync.Mutex
}

func newCoater(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	return makeCoater(ctx, deps, *conf, c.ResourceName(), logger, afero.NewOsFs(), clock.New())
}

// makeCoater is separate from newCoater so tests can inject a filesystem and a clock.
func makeCoater(ctx context.Context, deps resource.Dependencies, c Config, name resource.Name,
	logger logging.Logger, fs afero.Fs, clk clock.Clock,
) (*Coater, error) {
	if c.ProgramPath == "" {
		c.ProgramPath = defaultProgramPath
	}
	if c.SettingsPath == "" {
		c.SettingsPath = defaultSettingsPath
	}
	if c.SerialBaud == 0 {
		c.SerialBaud = handshake.DefaultBaud
	}
	debounce := panel.DefaultDebounce
	if c.DebounceMS > 0 {
		debounce = time.Duration(c.DebounceMS) * time.Millisecond
	}
	hold := panel.DefaultHoldTime
	if c.HoldMS > 0 {
		hold = time.Duration(c.HoldMS) * time.Millisecond
	}

	b, err := board.FromDependencies(deps, c.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", c.BoardName)
	}
	pins := map[string]board.GPIOPin{}
	for _, pin := range c.Pins.named() {
		p, err := b.GPIOPinByName(pin[1])
		if err != nil {
			return nil, errors.Wrapf(err, "error getting %s pin %q", pin[0], pin[1])
		}
		pins[pin[0]] = p
	}

	store := settings.NewStore(fs, c.SettingsPath, logger)
	s, err := store.Load()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		logger.CWarnw(ctx, "stored settings are unusable, using factory defaults", "error", err)
		s = settings.Defaults()
	}
	logger.SetLevel(s.LoggerLevel())
	logger.CInfow(ctx, "loaded settings", "settings", s, "log_level", s.LogLevelName())

	act, err := stepper.New(
		stepper.Config{
			StepsPerMM:   s.EffectiveStepsPerMM(),
			MaxSteps:     s.MaxStepsCount,
			InvertDir:    c.InvertDir,
			InvertEnable: c.InvertEnable,
		},
		stepper.Pins{Step: pins["step"], Dir: pins["dir"], Enable: pins["enable"]},
		clk,
		logger,
	)
	if err != nil {
		return nil, err
	}
	// Start from a known, unpowered state.
	if err := act.Disable(ctx); err != nil {
		return nil, err
	}

	button := func(name string, activeLow bool, holdTime time.Duration) *panel.Button {
		return panel.NewButton(panel.ButtonConfig{
			Name:      name,
			ActiveLow: activeLow,
			Debounce:  debounce,
			HoldTime:  holdTime,
		}, pins[name], clk)
	}
	// Limiters report held as soon as they are active.
	inputs := &panel.Panel{
		Stop:       button("stop", c.InvertButtons, hold),
		Accept:     button("accept", c.InvertButtons, hold),
		Up:         button("up", c.InvertButtons, hold),
		Down:       button("down", c.InvertButtons, hold),
		UpperLimit: button("upper_limit", c.InvertLimiters, 0),
		LowerLimit: button("lower_limit", c.InvertLimiters, 0),
	}

	display := modes.NewLogDisplay(logger)
	programPath := c.ProgramPath
	serialPath, serialBaud := c.SerialPath, c.SerialBaud

	return &Coater{
		Named:   name.AsNamed(),
		logger:  logger,
		opMgr:   operation.NewSingleOperationManager(),
		act:     act,
		store:   store,
		display: display,
		device: &modes.Device{
			Actuator: act,
			Inputs:   inputs,
			Display:  display,
			Settings: store,
			Programs: func(ctx context.Context) (*program.Program, error) {
				return program.Load(fs, programPath)
			},
			Link: func() (io.ReadWriteCloser, error) {
				if serialPath == "" {
					return nil, errors.New("serial_path is not configured")
				}
				return handshake.OpenSerial(serialPath, serialBaud, serialReadTimeout)
			},
			Clock:  clk,
			Logger: logger,
		},
	}, nil
}

// DoCommand() related constants.
const (
	Command       = "command"
	Run           = "run"
	Stop          = "stop"
	Status        = "status"
	GetSettings   = "settings"
	SaveSettings  = "save_settings"
	ResetSettings = "reset_settings"
)

type request struct {
	Command  string            `mapstructure:"command"`
	Mode     string            `mapstructure:"mode"`
	Settings settings.Settings `mapstructure:"settings"`
}

// DoCommand runs modes and manages the persisted settings.
func (c *Coater) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	var req request
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{DecodeHook: exactUint, Result: &req})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command payload")
	}
	if req.Command == "" {
		return nil, errors.Errorf("missing %s value", Command)
	}

	switch req.Command {
	case Run:
		kind, err := modes.ParseKind(req.Mode)
		if err != nil {
			return nil, err
		}
		return c.run(ctx, kind)
	case Stop:
		c.stop(ctx)
		return c.status(), nil
	case Status:
		return c.status(), nil
	case GetSettings:
		return c.settings()
	case SaveSettings:
		if _, ok := cmd["settings"]; !ok {
			return nil, errors.New("need settings value for save_settings")
		}
		if err := req.Settings.Validate(); err != nil {
			return nil, err
		}
		if err := c.store.Save(req.Settings); err != nil {
			return nil, err
		}
		resp, err := c.settings()
		if resp != nil {
			resp["restart_required"] = true
		}
		return resp, err
	case ResetSettings:
		if err := c.store.Reset(); err != nil {
			return nil, err
		}
		resp, err := c.settings()
		if resp != nil {
			resp["restart_required"] = true
		}
		return resp, err
	default:
		return nil, errors.Errorf("no such command: %s", req.Command)
	}
}

// exactUint refuses numbers that an unsigned field would truncate or wrap.
func exactUint(_, to reflect.Type, data interface{}) (interface{}, error) {
	switch to.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	var f float64
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f = v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f = float64(v.Uint())
	default:
		return data, nil
	}
	if f < 0 || f != math.Trunc(f) || f >= math.Ldexp(1, to.Bits()) {
		return nil, errors.Errorf("%v does not fit a %s", data, to)
	}
	return data, nil
}

// run blocks until the mode ends or is stopped.
func (c *Coater) run(ctx context.Context, kind modes.Kind) (map[string]interface{}, error) {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	c.runMu.Lock()
	defer c.runMu.Unlock()

	err := c.device.Run(ctx, kind)
	resp := c.status()
	resp["mode"] = kind.String()
	if errors.Is(err, context.Canceled) {
		c.logger.CInfof(ctx, "%s mode stopped", kind)
		resp["stopped"] = true
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// stop cancels a running mode and waits for it to disable the actuator.
func (c *Coater) stop(ctx context.Context) {
	c.opMgr.CancelRunning(ctx)
	c.runMu.Lock()
	defer c.runMu.Unlock()
}

func (c *Coater) status() map[string]interface{} {
	s := c.display.Status()
	return map[string]interface{}{
		"running": c.opMgr.OpRunning(),
		"screen":  s.Mode,
		"tone":    s.Tone.String(),
		"text":    s.Text,
	}
}

func (c *Coater) settings() (map[string]interface{}, error) {
	s, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	state, err := c.store.State()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"steps_per_mm":          int(s.StepsPerMM),
		"max_steps_count":       int(s.MaxStepsCount),
		"driver_steps_division": int(s.DriverStepsDivision),
		"log_level":             s.LogLevelName(),
		"max_speed_mm_per_sec":  s.MaxSpeedByDistanceRate(),
		"state":                 state.String(),
	}, nil
}

// Close stops any running mode and leaves the actuator disabled.
func (c *Coater) Close(ctx context.Context) error {
	c.opMgr.CancelRunning(ctx)
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.act.Disable(ctx)
}
