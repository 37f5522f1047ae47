package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/execd/execd/master"
)

func execCmd() *cobra.Command {
	var timeout time.Duration
	var workerBin string
	var summary bool
	var debug bool
	cmd := &cobra.Command{
		Use:          "exec -- COMMAND [ARGS...]",
		Short:        "Launch a worker over a socketpair and run one command through it",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)

			bin := workerBin
			if bin == "" {
				var err error
				if bin, err = os.Executable(); err != nil {
					return fmt.Errorf("locating worker binary: %w", err)
				}
			}
			var extra []string
			if debug {
				extra = append(extra, "--debug")
			}
			sess, err := master.Launch(bin, extra...)
			if err != nil {
				return err
			}
			defer sess.Close()
			sess.OnLog = func(msg string) {
				logger.Info().Str("from", "worker").Msg(msg)
			}

			if err := sess.Submit(1, strings.Join(args, " "), timeout, nil); err != nil {
				return fmt.Errorf("submitting command: %w", err)
			}
			res, err := sess.Next()
			if err != nil {
				return fmt.Errorf("awaiting result: %w", err)
			}
			if res.Err() {
				return fmt.Errorf("worker error: %s", res.ErrorMsg)
			}

			os.Stdout.Write(res.Stdout)
			os.Stderr.Write(res.Stderr)
			if summary {
				printSummary(res)
			}
			if !res.ExitedOK {
				return fmt.Errorf("command did not complete: error code %d", res.ErrorCode)
			}
			if code := res.ExitStatus(); code != 0 {
				sess.Close()
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-job timeout (whole seconds; 0 uses the worker default)")
	cmd.Flags().StringVar(&workerBin, "worker-bin", "", "worker binary to launch (defaults to this executable)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print runtime and resource usage after the output")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose diagnostics")
	return cmd
}

func printSummary(res *master.Result) {
	fmt.Fprintf(os.Stderr, "runtime: %.6fs  wait_status: %d\n", res.Runtime, res.WaitStatus)
	for _, key := range []string{"ru_utime", "ru_stime", "ru_minflt", "ru_majflt", "ru_inblock", "ru_oublock"} {
		if v, ok := res.KV.Get(key); ok {
			fmt.Fprintf(os.Stderr, "%s: %s\n", key, v)
		}
	}
}
