package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshp123/stromer/plugins/stromer"
)

// discardState drops optimistic updates; a one-shot command has no snapshot.
type discardState struct{}

func (discardState) Update(stromer.Capability, any) {}
func (discardState) RequestRefresh()                {}

func newCommandCmds() []*cobra.Command {
	return []*cobra.Command{
		controlCmd("lock", "Lock the bike", 0, func(ctx context.Context, d *stromer.Dispatcher, _ []string) error {
			return d.SetLock(ctx, true)
		}),
		controlCmd("unlock", "Unlock the bike", 0, func(ctx context.Context, d *stromer.Dispatcher, _ []string) error {
			return d.SetLock(ctx, false)
		}),
		controlCmd("light <on|off|bright|dim|flash>", "Switch the bike light", 1, func(ctx context.Context, d *stromer.Dispatcher, args []string) error {
			mode, err := stromer.ParseLightMode(args[0])
			if err != nil {
				return err
			}
			return d.SetLight(ctx, mode)
		}),
		controlCmd("reset-trip", "Reset the trip distance", 0, func(ctx context.Context, d *stromer.Dispatcher, _ []string) error {
			return d.ResetTrip(ctx)
		}),
	}
}

func controlCmd(use, short string, nargs int, run func(context.Context, *stromer.Dispatcher, []string) error) *cobra.Command {
	var bikeName string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			sess, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			if err := sess.resume(ctx); err != nil {
				return err
			}
			bikes, err := sess.client.Bikes(ctx)
			if err != nil {
				return err
			}
			bike, err := resolveBike(bikes, bikeName)
			if err != nil {
				return err
			}

			d := stromer.NewDispatcher(bike.ID, sess.client, discardState{}, logger)
			if err := run(ctx, d, args); err != nil {
				return fmt.Errorf("%s: %w", bike.Nickname, err)
			}
			fmt.Printf("%s: ok\n", bike.Nickname)
			return nil
		},
	}
	cmd.Flags().StringVar(&bikeName, "bike", "", "Bike id or nickname")
	return cmd
}
