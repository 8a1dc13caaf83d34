package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/govchat/internal/model"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file...>",
	Short: "Upload files for indexing and wait until they settle",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		blobs, err := blobsFromPaths(args)
		if err != nil {
			return eris.Wrap(err, "upload")
		}

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Session.UploadFiles(ctx, blobs)
		if err != nil {
			if job != nil {
				formatFiles(os.Stdout, env.Session.Files())
			}
			return eris.Wrap(err, "upload")
		}

		if wait, _ := cmd.Flags().GetBool("wait"); wait {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := job.Wait(wctx); err != nil {
				fmt.Fprintf(os.Stderr, "stopped waiting: %v\n", err)
			}
		}

		files := env.Session.Files()
		formatFiles(os.Stdout, files)
		for _, f := range files {
			if f.Status == model.FileError {
				return eris.New("upload: one or more files failed")
			}
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("wait", true, "wait for files to be indexed or fail")
	uploadCmd.Flags().Duration("timeout", 10*time.Minute, "how long to wait for indexing")
	rootCmd.AddCommand(uploadCmd)
}
