package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/govchat/internal/adapter"
	"github.com/sells-group/govchat/internal/export"
	"github.com/sells-group/govchat/internal/model"
	"github.com/sells-group/govchat/internal/session"
)

const chatHelp = `Commands:
  /sources           list the sources of the last answer
  /upload <path...>  upload files for indexing
  /files             list uploaded files
  /remove <id>       stop tracking a file
  /rebuild           rebuild the index
  /status            show the index status
  /export <path>     write the audit trail to an .xlsx file
  /clear             clear the conversation
  /quit              exit`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		if !env.Session.CheckHealth(ctx) {
			fmt.Fprintln(os.Stderr, "warning: backend is not reachable")
		}
		fmt.Fprintln(os.Stdout, "Type a question, or /help for commands.")
		return runChat(ctx, env.Session, os.Stdin, os.Stdout)
	},
}

// runChat reads lines from in until EOF or /quit.
func runChat(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := chatCommand(ctx, sess, line, out); quit {
				return nil
			}
			continue
		}

		msg, err := sess.Ask(ctx, line)
		switch {
		case err == nil, errors.Is(err, adapter.ErrUnrecognizedSchema):
			formatMessage(out, msg, false)
		default:
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// chatCommand runs one slash command and reports whether to exit.
func chatCommand(ctx context.Context, sess *session.Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	args := fields[1:]

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/clear":
		sess.ClearMessages()
		fmt.Fprintln(out, "Conversation cleared.")
	case "/sources":
		msgs := sess.Snapshot().Messages
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No answers yet.")
			break
		}
		formatSources(out, msgs[len(msgs)-1].Audit.Retrieved)
	case "/upload":
		if len(args) == 0 {
			fmt.Fprintln(out, "usage: /upload <path...>")
			break
		}
		blobs, err := blobsFromPaths(args)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		if _, err := sess.UploadFiles(ctx, blobs); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		formatFiles(out, sess.Files())
	case "/files":
		formatFiles(out, sess.Files())
	case "/remove":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: /remove <id>")
			break
		}
		if !removeByPrefix(sess, args[0]) {
			fmt.Fprintf(out, "no file matches %q\n", args[0])
		}
	case "/rebuild":
		res, err := sess.RebuildIndex(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		fmt.Fprintln(out, res.Message)
	case "/status":
		st, err := sess.IndexStatus(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		formatIndexStatus(out, st)
	case "/export":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: /export <path>")
			break
		}
		if err := export.SaveAudit(args[0], sess.Snapshot().Messages); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "Wrote %s\n", args[0])
	default:
		fmt.Fprintf(out, "unknown command %s; try /help\n", fields[0])
	}
	return false
}

// removeByPrefix removes the single file whose id starts with prefix.
func removeByPrefix(sess *session.Session, prefix string) bool {
	var match string
	for _, f := range sess.Files() {
		if strings.HasPrefix(f.ID, prefix) {
			if match != "" {
				return false
			}
			match = f.ID
		}
	}
	return match != "" && sess.RemoveFile(match)
}

// blobsFromPaths opens each path as an upload blob. Unsupported types are
// rejected up front.
func blobsFromPaths(paths []string) ([]model.FileBlob, error) {
	blobs := make([]model.FileBlob, 0, len(paths))
	for _, p := range paths {
		if !model.Accepts(p) {
			return nil, fmt.Errorf("%s: unsupported file type (accepted: %s)", p, strings.Join(model.AcceptedExtensions, ", "))
		}
		b, err := model.BlobFromPath(p)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
