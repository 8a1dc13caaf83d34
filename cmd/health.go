package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/govchat/internal/resilience"
	"github.com/sells-group/govchat/internal/session"
)

var errBackendDown = eris.New("backend is not reachable")

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the backend is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		retry, _ := cmd.Flags().GetBool("retry")
		if err := checkHealth(ctx, env.Session, retry); err != nil {
			fmt.Fprintf(os.Stdout, "backend %s: down (circuit %s)\n", cfg.Backend.BaseURL, env.Transport.BreakerState())
			return err
		}
		fmt.Fprintf(os.Stdout, "backend %s: ok\n", cfg.Backend.BaseURL)
		return nil
	},
}

// checkHealth pings the backend, retrying with backoff when retry is set.
func checkHealth(ctx context.Context, sess *session.Session, retry bool) error {
	rc := retryConfig("health check")
	if !retry {
		rc.MaxAttempts = 1
	}
	rc.ShouldRetry = func(err error) bool { return eris.Is(err, errBackendDown) }
	return resilience.Do(ctx, rc, func(ctx context.Context) error {
		if !sess.CheckHealth(ctx) {
			return errBackendDown
		}
		return nil
	})
}

func init() {
	healthCmd.Flags().Bool("retry", true, "retry with backoff before reporting the backend down")
	rootCmd.AddCommand(healthCmd)
}
