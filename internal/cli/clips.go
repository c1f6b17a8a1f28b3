package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"speech-to-video/internal/app"
	"speech-to-video/internal/orchestrator"
)

func init() {
	clips := &cobra.Command{
		Use:   "clips",
		Short: "Manage the saved clip playlist",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved clips in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Service.Clips(ctx, caller())
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				printJSON(entries)
				return nil
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Append a clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Service.SaveClip(ctx, caller(), args[0], note)
				if err != nil {
					return fmt.Errorf("add: %w", err)
				}
				printJSON(e)
				return nil
			})
		},
	}
	add.Flags().String("note", "", "Note stored with the clip")

	rm := &cobra.Command{
		Use:   "rm <ts>",
		Short: "Delete a clip by timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamps(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Service.DeleteClip(ctx, caller(), ts[0]); err != nil {
					return fmt.Errorf("rm: %w", err)
				}
				return nil
			})
		},
	}

	order := &cobra.Command{
		Use:   "order <ts>...",
		Short: "Reorder clips; every saved timestamp must appear once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamps(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Service.ReorderClips(ctx, caller(), ts)
				if err != nil {
					return fmt.Errorf("order: %w", err)
				}
				printJSON(entries)
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every saved clip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Service.ClearClips(ctx, caller())
				if err != nil {
					return fmt.Errorf("clear: %w", err)
				}
				fmt.Printf("removed %d clips\n", n)
				return nil
			})
		},
	}

	clips.AddCommand(list, add, rm, order, clearCmd)
	RootCmd.AddCommand(clips)

	stitch := &cobra.Command{
		Use:   "stitch",
		Short: "Stitch saved clips or explicit URLs into one video",
		RunE:  runStitch,
	}
	stitch.Flags().Bool("saved", false, "Stitch the saved playlist and save the result")
	stitch.Flags().StringSlice("urls", nil, "Artifacts to stitch, in order")
	RootCmd.AddCommand(stitch)

	RootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Show which capabilities are configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
				printJSON(a.Service.Setup())
				return nil
			})
		},
	})
}

func parseTimestamps(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, s := range args {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp %q: %w", s, err)
		}
		out[i] = ts
	}
	return out, nil
}

func runStitch(cmd *cobra.Command, args []string) error {
	saved, _ := cmd.Flags().GetBool("saved")
	urls, _ := cmd.Flags().GetStringSlice("urls")
	if saved == (len(urls) > 0) {
		return errors.New("stitch: pass exactly one of --saved or --urls")
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		var (
			res orchestrator.AggregateResult
			err error
		)
		if saved {
			res, err = a.Service.StitchSaved(ctx, caller())
		} else {
			res, err = a.Service.StitchURLs(ctx, caller(), urls)
		}
		if err != nil {
			return fmt.Errorf("stitch: %w", err)
		}
		printJSON(res)
		return nil
	})
}
