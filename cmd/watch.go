package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/dropzone"
	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Upload documents dropped into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		existing, _ := cmd.Flags().GetBool("existing")
		w := dropzone.New(args[0], uploadAndReport(env.Session),
			dropzone.WithDebounce(time.Duration(cfg.Watch.DebounceMs)*time.Millisecond),
			dropzone.WithRetry(retryConfig("watch upload")),
			dropzone.WithExisting(existing),
		)

		env.Session.Tracker().OnChange(func(c ingest.Change) {
			if c.Removed || !c.File.Status.IsTerminal() {
				return
			}
			zap.L().Info("file settled",
				zap.String("file", c.File.Name),
				zap.String("status", string(c.File.Status)),
				zap.String("error", c.File.Error),
			)
		})

		zap.L().Info("watching", zap.String("dir", args[0]))
		if err := w.Run(ctx); err != nil {
			return eris.Wrap(err, "watch")
		}
		return nil
	},
}

// uploadAndReport uploads a batch through the session. The returned error
// drives the watcher's retry policy.
func uploadAndReport(sess *session.Session) dropzone.UploadFunc {
	return func(ctx context.Context, blobs []model.FileBlob) error {
		_, err := sess.UploadFiles(ctx, blobs)
		return err
	}
}

func init() {
	watchCmd.Flags().Bool("existing", false, "upload files already in the directory")
	rootCmd.AddCommand(watchCmd)
}
