package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/catalog"
	"github.com/ppiankov/trustflow/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a trustflow config file or definitions bundle",
	Long: `Load and validate a trustflow YAML config file and/or a definitions bundle
without opening the database.

Bundle validation checks every definition and requires every name it references
to be defined in the bundle itself. Every problem is reported, not only the first.
Exits 0 on success, 1 on validation failure.`,
	Example: `  trustflow validate /etc/trustflow/config.yaml
  trustflow validate --definitions definitions.yaml
  trustflow validate config.yaml --definitions definitions.yaml && echo "OK"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("definitions", "", "Definitions bundle to validate")
}

func runValidate(cmd *cobra.Command, args []string) error {
	defsPath, _ := cmd.Flags().GetString("definitions") //nolint:errcheck // flag registered above
	if len(args) == 0 && defsPath == "" {
		return errors.New("nothing to validate: pass a config file and/or --definitions")
	}

	failed := false
	if len(args) == 1 {
		if _, err := config.Load(args[0]); err != nil {
			cmd.PrintErrln(err)
			failed = true
		} else {
			cmd.Println("config OK")
		}
	}
	if defsPath != "" {
		if err := validateBundle(defsPath); err != nil {
			cmd.PrintErrln(err)
			failed = true
		} else {
			cmd.Println("definitions OK")
		}
	}

	if failed {
		silence(cmd)
		return fmt.Errorf("validation failed")
	}
	return nil
}

func validateBundle(path string) error {
	b, err := catalog.LoadBundle(path)
	if err != nil {
		return err
	}
	return b.Validate()
}
