package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the backend index with the configured chunking settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Session.RebuildIndex(ctx)
		if err != nil {
			return eris.Wrap(err, "rebuild")
		}
		fmt.Fprintln(os.Stdout, res.Message)
		if !res.Success {
			return eris.New("rebuild: backend reported failure")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the backend index is built and how many documents it holds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Session.IndexStatus(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		formatIndexStatus(os.Stdout, st)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the status as JSON")
	rootCmd.AddCommand(rebuildCmd, statusCmd)
}
