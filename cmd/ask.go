package main

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/govchat/internal/adapter"
	"github.com/sells-group/govchat/internal/export"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the backend one question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		msg, err := env.Session.Ask(ctx, strings.Join(args, " "))
		if err != nil && !errors.Is(err, adapter.ErrUnrecognizedSchema) {
			return eris.Wrap(err, "ask")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(msg); encErr != nil {
				return eris.Wrap(encErr, "ask: encode")
			}
		} else {
			showSources, _ := cmd.Flags().GetBool("sources")
			formatMessage(os.Stdout, msg, showSources)
		}

		if path, _ := cmd.Flags().GetString("export"); path != "" {
			if expErr := export.SaveAudit(path, env.Session.Snapshot().Messages); expErr != nil {
				return expErr
			}
		}
		return err
	},
}

func init() {
	askCmd.Flags().Bool("sources", false, "list the retrieved sources")
	askCmd.Flags().Bool("json", false, "print the message as JSON")
	askCmd.Flags().String("export", "", "write the audit trail to this .xlsx file")
	rootCmd.AddCommand(askCmd)
}
