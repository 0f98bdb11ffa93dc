package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

var watchCmd = &cobra.Command{
	Use:   "watch <key>",
	Short: "Print a line every time a lock is released",
	Long: `Watch subscribes to the release notifications of key on the backend bus,
or on Kafka when --kafka-brokers is set, and prints "released key=<key>" for
each one. Notifications are best effort and may coalesce.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		if b.bus == nil {
			return fmt.Errorf("watch: backend %q has no bus: %w", viper.GetString("backend"), lockerrors.ErrUnsupported)
		}
		return watchReleases(ctx, b.bus, args[0], viper.GetInt("count"), cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().Int("count", 0, "Exit after this many releases, 0 watches until interrupted")
}

// watchReleases prints release notifications of key until ctx is done or
// count notifications were seen.
func watchReleases(ctx context.Context, bus syncbus.Bus, key string, count int, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := bus.Subscribe(ctx, syncbus.UnlockTopic(key))
	if err != nil {
		return fmt.Errorf("watch %q: %w", key, err)
	}
	logger.V(1).Info("watching releases", "key", key)
	for seen := 0; count <= 0 || seen < count; seen++ {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "released key=%s\n", key)
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
