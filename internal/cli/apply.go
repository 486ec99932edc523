package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/catalog"
)

var applyCmd = &cobra.Command{
	Use:   "apply -f <bundle>",
	Short: "Create or update definitions from a YAML bundle",
	Long: `Upsert the condition groups, rules, actions, action groups, triggers and
associations of a definitions bundle, matching existing definitions by name.
Names may refer to definitions already in the catalog. Idempotent.`,
	Example: `  trustflow apply -f definitions.yaml
  trustflow apply -f definitions.yaml --db /var/lib/trustflow/trustflow.db`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringP("filename", "f", "", "Bundle file (YAML or JSON)")
	_ = applyCmd.MarkFlagRequired("filename") //nolint:errcheck // flag registered above
}

func runApply(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("filename") //nolint:errcheck // flag registered above
	bundle, err := catalog.LoadBundle(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup

	res, err := eng.catalog.Apply(ctx, bundle)
	printApplyResult(cmd, res)
	if err != nil {
		return fmt.Errorf("applying %s: %w", path, err)
	}
	return nil
}

func printApplyResult(cmd *cobra.Command, res *catalog.ApplyResult) {
	if res == nil {
		return
	}
	out := cmd.OutOrStdout()
	for _, name := range res.Created {
		fmt.Fprintf(out, "%s created\n", name) //nolint:errcheck // best-effort output
	}
	for _, name := range res.Updated {
		fmt.Fprintf(out, "%s configured\n", name) //nolint:errcheck // best-effort output
	}
}
