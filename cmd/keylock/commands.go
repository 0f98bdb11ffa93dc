package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/lock"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire <key>",
	Short: "Acquire a lock and print its ownership token",
	Long: `Acquire blocks until the lease of key is granted, then prints the token
needed to release or extend it. The lease is left to expire on its own unless
released with "keylock release".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		c, err := newCoordinator(b, nil)
		if err != nil {
			return err
		}
		h, err := c.Lock(ctx, args[0], viper.GetDuration("lease"))
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "acquired=true token=%s expires=%s\n",
			h.Token(), h.ExpiresAt().Format(time.RFC3339Nano))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <key> <token>",
	Short: "Release a lock held with the given token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		c, err := newOwnerCoordinator(b)
		if err != nil {
			return err
		}
		h, err := lock.Restore(args[0], args[1], 0)
		if err != nil {
			return err
		}
		err = c.Unlock(ctx, h)
		switch {
		case err == nil:
			fmt.Fprintln(cmd.OutOrStdout(), "released=true")
		case errors.Is(err, lockerrors.ErrLeaseExpired):
			fmt.Fprintln(cmd.OutOrStdout(), "released=false")
		default:
			return err
		}
		return nil
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend <key> <token>",
	Short: "Push out the expiry of a lock held with the given token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		c, err := newOwnerCoordinator(b)
		if err != nil {
			return err
		}
		lease := viper.GetDuration("lease")
		h, err := lock.Restore(args[0], args[1], lease)
		if err != nil {
			return err
		}
		err = c.Extend(ctx, h, lease)
		switch {
		case err == nil:
			fmt.Fprintf(cmd.OutOrStdout(), "extended=true expires=%s\n", h.ExpiresAt().Format(time.RFC3339Nano))
		case errors.Is(err, lockerrors.ErrLeaseExpired):
			fmt.Fprintln(cmd.OutOrStdout(), "extended=false")
		default:
			return err
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <key>",
	Short: "Show whether a lock is held and by which token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		in, ok := b.raw.(adapter.Inspector)
		if !ok {
			return fmt.Errorf("status: %w", lockerrors.ErrUnsupported)
		}
		token, held, err := in.Holder(ctx, args[0])
		if err != nil {
			return err
		}
		if !held {
			fmt.Fprintln(cmd.OutOrStdout(), "held=false")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "held=true token=%s\n", token)
		return nil
	},
}
