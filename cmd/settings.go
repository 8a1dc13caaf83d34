package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/govchat/internal/model"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show and validate chat settings",
	Long:  "Prints the effective chat settings as YAML. --set applies key=value overrides and validates the result, so the output can be pasted into config.yaml.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sets, _ := cmd.Flags().GetStringArray("set")
		s, err := applySettings(cfg.Settings, sets)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(map[string]model.ChatSettings{"settings": s})
	},
}

// applySettings applies overrides to base and validates the result.
func applySettings(base model.ChatSettings, overrides []string) (model.ChatSettings, error) {
	s := base
	for _, kv := range overrides {
		if err := parseSetting(&s, kv); err != nil {
			return base, eris.Wrap(err, "settings")
		}
	}
	if err := s.Validate(); err != nil {
		return base, eris.Wrap(err, "settings")
	}
	return s, nil
}

func init() {
	settingsCmd.Flags().StringArray("set", nil, "override a setting, e.g. --set top_k=6")
	rootCmd.AddCommand(settingsCmd)
}
