// Package main is dipctl, the host-side tool for the dip-coater: it pushes settings over the
// serial link, checks program files and plots their motion profile.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/viam-modules/dipcoater/handshake"
	"github.com/viam-modules/dipcoater/program"
	"github.com/viam-modules/dipcoater/settings"
)

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("dipctl"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	root := newRootCommand(afero.NewOsFs(), logger)
	root.SetArgs(args[1:])
	return root.ExecuteContext(ctx)
}

func newRootCommand(fs afero.Fs, logger logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "dipctl",
		Short:         "Configure the dip-coater and inspect its programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSendSettingsCommand(logger),
		newValidateCommand(fs),
		newPlotCommand(fs),
	)
	return root
}

func newSendSettingsCommand(logger logging.Logger) *cobra.Command {
	var (
		port    string
		baud    int
		timeout time.Duration
		s       = settings.Defaults()
	)
	cmd := &cobra.Command{
		Use:   "send-settings",
		Short: "Send a settings record to a device in connection mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.Validate(); err != nil {
				return err
			}
			link, err := handshake.OpenSerial(port, baud, 50*time.Millisecond)
			if err != nil {
				return err
			}
			defer func() {
				if err := link.Close(); err != nil {
					logger.Warnw("error closing serial port", "error", err)
				}
			}()

			client := handshake.NewClient(link, nil, timeout, logger)
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			if err := client.SendSettings(cmd.Context(), s); err != nil {
				return err
			}
			if err := client.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "settings sent; restart the device to apply them")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&port, "port", "", "serial port of the device")
	flags.IntVar(&baud, "baud", handshake.DefaultBaud, "serial baud rate")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for each device reply")
	flags.Uint32Var(&s.StepsPerMM, "steps-per-mm", s.StepsPerMM, "motor steps per millimetre")
	flags.Uint32Var(&s.MaxStepsCount, "max-steps", s.MaxStepsCount, "maximum step rate in steps/s")
	flags.Uint8Var(&s.DriverStepsDivision, "division", s.DriverStepsDivision, "driver microstep division")
	flags.Uint8Var(&s.LogLevel, "log-level", s.LogLevel, "0 debug, 1 info, 2 errors only")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

func loadProgram(fs afero.Fs, path string) (*program.Program, error) {
	p, err := program.Load(fs, path)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "program %s cannot run", path)
	}
	return p, nil
}

func newValidateCommand(fs afero.Fs) *cobra.Command {
	var stepsPerMM uint32
	cmd := &cobra.Command{
		Use:   "validate PROGRAM",
		Short: "Check that a program file can be executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(fs, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "program version %s: %d commands\n", p.Version, p.Len())
			for i, c := range p.Commands {
				switch c.Code {
				case program.Idle:
					fmt.Fprintf(out, "  [%d] %s %v\n", i, c.Code, c.Duration())
				default:
					fmt.Fprintf(out, "  [%d] %s %g mm at %g mm/s\n", i, c.Code, c.DistanceMM, c.SpeedMMS)
				}
			}
			fmt.Fprintf(out, "expected run time: %v\n", program.TotalDuration(p, stepsPerMM))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&stepsPerMM, "steps-per-mm", settings.Defaults().StepsPerMM, "effective steps per millimetre")
	return cmd
}

func newPlotCommand(fs afero.Fs) *cobra.Command {
	var (
		stepsPerMM uint32
		out        string
	)
	cmd := &cobra.Command{
		Use:   "plot PROGRAM",
		Short: "Plot the carriage position over time for a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(fs, args[0])
			if err != nil {
				return err
			}
			if err := plotProfile(fs, p, stepsPerMM, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&stepsPerMM, "steps-per-mm", settings.Defaults().StepsPerMM, "effective steps per millimetre")
	cmd.Flags().StringVar(&out, "out", "profile.png", "output image; the extension selects the format")
	return cmd
}

func plotProfile(fs afero.Fs, p *program.Program, stepsPerMM uint32, out string) error {
	samples := program.Profile(p, stepsPerMM)
	xys := make(plotter.XYs, len(samples))
	for i, s := range samples {
		xys[i].X = s.At.Seconds()
		xys[i].Y = s.PositionMM
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("program %s", p.Version)
	pl.X.Label.Text = "time (s)"
	pl.Y.Label.Text = "position (mm)"
	pl.Add(plotter.NewGrid())
	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrap(err, "error building profile line")
	}
	pl.Add(line)

	format := strings.TrimPrefix(filepath.Ext(out), ".")
	if format == "" {
		format = "png"
	}
	w, err := pl.WriterTo(8*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return errors.Wrapf(err, "cannot render %q", out)
	}
	f, err := fs.Create(out)
	if err != nil {
		return errors.Wrapf(err, "error creating %s", out)
	}
	if _, err := w.WriteTo(f); err != nil {
		return multierr.Combine(errors.Wrapf(err, "error writing %s", out), f.Close())
	}
	return f.Close()
}
