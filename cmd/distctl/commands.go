package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

func (a *app) counterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "counter", Short: "Work with counters"}
	incr := &cobra.Command{
		Use:   "incr KEY",
		Short: "Increment a counter and print the new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client.Counter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := c.Increment(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.AddCommand(incr)
	return cmd
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Work with queues"}

	put := &cobra.Command{
		Use:   "put KEY JSON",
		Short: "Enqueue a JSON value, tagged envelopes included",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.client.Loads(args[1])
			if err != nil {
				return err
			}
			q, err := a.client.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return q.Put(cmd.Context(), item)
		},
	}

	var (
		block   bool
		timeout time.Duration
	)
	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Dequeue one value and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.client.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			item, err := q.Get(cmd.Context(), block, timeout)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), item)
		},
	}
	get.Flags().BoolVar(&block, "block", false, "wait for an item")
	get.Flags().DurationVar(&timeout, "timeout", 0, "blocking wait bound, 0 waits forever")

	size := &cobra.Command{
		Use:   "size KEY",
		Short: "Print the number of queued values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.client.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := q.Qsize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.AddCommand(put, get, size)
	return cmd
}

func (a *app) eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Work with events"}
	open := func(cmd *cobra.Command, key string) (*distributed.Event, error) {
		return a.client.Event(cmd.Context(), key)
	}

	set := &cobra.Command{
		Use:   "set KEY",
		Short: "Set an event and wake its waiters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd, args[0])
			if err != nil {
				return err
			}
			return e.Set(cmd.Context())
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear KEY",
		Short: "Clear an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd, args[0])
			if err != nil {
				return err
			}
			return e.Clear(cmd.Context())
		},
	}
	status := &cobra.Command{
		Use:   "status KEY",
		Short: "Print whether an event is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd, args[0])
			if err != nil {
				return err
			}
			isSet, err := e.IsSet(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), isSet)
			return nil
		},
	}

	var timeout time.Duration
	wait := &cobra.Command{
		Use:   "wait KEY",
		Short: "Block until an event is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd, args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			ok, err := e.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}
	wait.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long, 0 waits forever")

	cmd.AddCommand(set, clearCmd, status, wait)
	return cmd
}

func (a *app) lockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lock", Short: "Work with locks"}

	var (
		hold     time.Duration
		expires  time.Duration
		timeout  time.Duration
		nonblock bool
	)
	holdCmd := &cobra.Command{
		Use:   "hold KEY",
		Short: "Acquire a lock, keep it for a while and release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.client.Lock(cmd.Context(), args[0],
				distributed.WithExpires(expires), distributed.WithTimeout(timeout))
			if err != nil {
				return err
			}
			run := l.Do
			if nonblock {
				run = l.TryDo
			}
			err = run(cmd.Context(), func(ctx context.Context) error {
				fmt.Fprintln(cmd.OutOrStdout(), "acquired", l.StoreKey())
				select {
				case <-time.After(hold):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if errors.Is(err, derrors.ErrLockTimeout) {
				return fmt.Errorf("%s is held elsewhere: %w", l.StoreKey(), err)
			}
			return err
		},
	}
	holdCmd.Flags().DurationVar(&hold, "for", 0, "how long to keep the lock")
	holdCmd.Flags().DurationVar(&expires, "expires", time.Minute, "lease duration")
	holdCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the lock")
	holdCmd.Flags().BoolVar(&nonblock, "no-wait", false, "fail at once when the lock is taken")

	status := &cobra.Command{
		Use:   "status KEY",
		Short: "Print whether a lock is taken: true, false or stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.client.Lock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			locked, stale, err := l.Locked(cmd.Context())
			if err != nil {
				return err
			}
			if stale {
				fmt.Fprintln(cmd.OutOrStdout(), "stale")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), locked)
			return nil
		},
	}

	cmd.AddCommand(holdCmd, status)
	return cmd
}

func (a *app) codecCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "codec", Short: "Inspect wire text"}
	normalize := &cobra.Command{
		Use:   "normalize JSON",
		Short: "Decode wire text and print its canonical encoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client.Loads(args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), v)
		},
	}
	cmd.AddCommand(normalize)
	return cmd
}

func (a *app) print(w io.Writer, v any) error {
	text, err := a.client.Dumps(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}
