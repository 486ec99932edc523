package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/store"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List trigger definitions, or the triggers attached to one object",
	Example: `  trustflow triggers
  trustflow triggers --resource CERTIFICATE --object cert-1
  trustflow triggers -o json`,
	Args: cobra.NoArgs,
	RunE: runTriggers,
}

func init() {
	rootCmd.AddCommand(triggersCmd)
	triggersCmd.Flags().String("resource", "", "Resource of the object (with --object)")
	triggersCmd.Flags().String("object", "", "List the associations that apply to this object, in run order")
	triggersCmd.Flags().StringP("output", "o", "table", "Output format: table or json")
}

func runTriggers(cmd *cobra.Command, _ []string) error {
	outputFlag, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	object, _ := cmd.Flags().GetString("object")     //nolint:errcheck // flag registered above
	resStr, _ := cmd.Flags().GetString("resource")   //nolint:errcheck // flag registered above
	if outputFlag != "json" && outputFlag != "table" {
		return fmt.Errorf("invalid --output value %q: must be json or table", outputFlag)
	}

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup
	ctx := cmd.Context()

	if object != "" {
		resource, err := store.ParseResource(resStr)
		if err != nil {
			return fmt.Errorf("--resource is required with --object: %w", err)
		}
		assocs, err := eng.catalog.Associations(ctx, resource, object)
		if err != nil {
			return err
		}
		if outputFlag == "json" {
			if assocs == nil {
				assocs = []store.TriggerAssociation{}
			}
			return writeJSON(cmd, assocs)
		}
		fmt.Fprint(cmd.OutOrStdout(), associationsText(assocs, eng.triggerNames(ctx))) //nolint:errcheck // best-effort output
		return nil
	}

	triggers, err := eng.catalog.Triggers(ctx)
	if err != nil {
		return err
	}
	if outputFlag == "json" {
		if triggers == nil {
			triggers = []*store.Trigger{}
		}
		return writeJSON(cmd, triggers)
	}
	fmt.Fprint(cmd.OutOrStdout(), triggersText(triggers)) //nolint:errcheck // best-effort output
	return nil
}

func triggersText(triggers []*store.Trigger) string {
	if len(triggers) == 0 {
		return "No triggers.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-8s %-20s %-28s %5s %7s  %s\n", "NAME", "TYPE", "RESOURCE", "EVENT", "RULES", "EFFECTS", "UUID")
	for _, t := range triggers {
		fmt.Fprintf(&b, "%-24s %-8s %-20s %-28s %5d %7d  %s\n",
			t.Name, t.Type, t.Resource, t.Event, len(t.RuleUUIDs), len(t.Effects), t.UUID)
	}
	return b.String()
}

func associationsText(assocs []store.TriggerAssociation, names map[string]string) string {
	if len(assocs) == 0 {
		return "No associations.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%5s %-24s %-12s %s\n", "ORDER", "TRIGGER", "SCOPE", "ASSOCIATION")
	for i := range assocs {
		a := &assocs[i]
		trigger := names[a.TriggerUUID]
		if trigger == "" {
			trigger = a.TriggerUUID
		}
		scope := "object"
		if a.AnyObject() {
			scope = "any"
		}
		fmt.Fprintf(&b, "%5d %-24s %-12s %s\n", a.Order, trigger, scope, a.UUID)
	}
	return b.String()
}
