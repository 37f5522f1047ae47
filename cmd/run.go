package cmd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/execd/execd/worker"
)

func runCmd() *cobra.Command {
	var fd int
	var connect string
	var debug bool
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the worker attached to a master control socket",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)

			masterFD := fd
			if connect != "" {
				conn, err := net.Dial("unix", connect)
				if err != nil {
					return fmt.Errorf("dialing master socket: %w", err)
				}
				f, err := conn.(*net.UnixConn).File()
				if err != nil {
					return fmt.Errorf("unwrapping master socket: %w", err)
				}
				masterFD = int(f.Fd())
			}

			worker.Setup()
			w, err := worker.New(worker.Config{
				FD:              masterFD,
				Logger:          logger,
				OwnProcessGroup: true,
			})
			if err != nil {
				return fmt.Errorf("starting worker: %w", err)
			}
			w.OnJobSpawned(func(_ context.Context, ev worker.JobEvent) error {
				logger.Debug().Uint64("job_id", ev.ID).Int("pid", ev.PID).Str("command", ev.Command).Msg("spawned")
				return nil
			})
			w.OnJobStaleRetry(func(_ context.Context, ev worker.JobEvent) error {
				logger.Warn().Uint64("job_id", ev.ID).Int("pid", ev.PID).Msg("stale child, reap retry scheduled")
				return nil
			})
			os.Exit(w.Run())
			return nil
		},
	}
	cmd.Flags().IntVar(&fd, "fd", 3, "inherited master socket file descriptor")
	cmd.Flags().StringVar(&connect, "connect", "", "dial a unix socket path instead of using --fd")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose stderr diagnostics")
	return cmd
}
