package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/history"
	"github.com/ppiankov/trustflow/internal/monitor"
	"github.com/ppiankov/trustflow/internal/report"
	"github.com/ppiankov/trustflow/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the trigger audit trail",
	Long: `List recorded trigger runs, newest first, optionally filtered by object,
trigger and time window. Rows are read-only.`,
	Example: `  trustflow history --object cert-1
  trustflow history --trigger revoke-weak-keys --since 24h -o csv > audit.csv
  trustflow history --tui`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show one audit row with its condition and action records",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge --before <date>",
	Short: "Delete audit rows triggered before a date",
	Example: `  trustflow history purge --before 2025-01-01
  trustflow history purge --before 2025-06-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runHistoryPurge,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd, historyPurgeCmd)

	historyCmd.Flags().String("object", "", "Only rows for this object UUID")
	historyCmd.Flags().String("trigger", "", "Only rows for this trigger (name or UUID)")
	historyCmd.Flags().Duration("since", 0, "Only rows triggered within this duration (e.g. 24h)")
	historyCmd.Flags().Int("limit", 100, "Maximum number of rows")
	historyCmd.Flags().StringP("output", "o", "table", "Output format: table, json or csv")
	historyCmd.Flags().Bool("records", false, "Include condition and action records in json output")
	historyCmd.Flags().Bool("tui", false, "Browse rows interactively")

	historyShowCmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	historyPurgeCmd.Flags().String("before", "", "Cutoff date (YYYY-MM-DD or RFC 3339)")
	_ = historyPurgeCmd.MarkFlagRequired("before") //nolint:errcheck // flag registered above
}

// openStores loads config and opens the catalog and history stores.
func openStores(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openEngine(cmd.Context(), cfg)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	outputFlag, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	tui, _ := cmd.Flags().GetBool("tui")             //nolint:errcheck // flag registered above
	switch outputFlag {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("invalid --output value %q: must be table, json or csv", outputFlag)
	}

	f := history.Filter{}
	f.ObjectUUID, _ = cmd.Flags().GetString("object") //nolint:errcheck // flag registered above
	f.Limit, _ = cmd.Flags().GetInt("limit")          //nolint:errcheck // flag registered above
	f.WithRecords, _ = cmd.Flags().GetBool("records") //nolint:errcheck // flag registered above
	if f.Limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", f.Limit)
	}
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 { //nolint:errcheck // flag registered above
		f.From = time.Now().Add(-since)
	}
	if tui || outputFlag == "csv" {
		f.WithRecords = true
	}

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup
	ctx := cmd.Context()

	if ref, _ := cmd.Flags().GetString("trigger"); ref != "" { //nolint:errcheck // flag registered above
		t, err := eng.catalog.FindTrigger(ctx, ref)
		if err != nil {
			return fmt.Errorf("trigger %q: %w", ref, err)
		}
		f.TriggerUUID = t.UUID
	}

	rows, err := eng.history.List(ctx, f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case tui:
		title := "history"
		if f.ObjectUUID != "" {
			title = f.ObjectUUID
		}
		m := monitor.NewModel(rows, eng.triggerNames(ctx), title, time.Now())
		_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	case outputFlag == "json":
		return writeJSON(cmd, rows)
	case outputFlag == "csv":
		return report.WriteCSV(out, rows)
	default:
		fmt.Fprint(out, monitor.PlainText(rows, eng.triggerNames(ctx), time.Now())) //nolint:errcheck // best-effort output
		return nil
	}
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	outputFlag, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	if outputFlag != "json" && outputFlag != "table" {
		return fmt.Errorf("invalid --output value %q: must be json or table", outputFlag)
	}

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup

	h, err := eng.history.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputFlag == "json" {
		return writeJSON(cmd, h)
	}
	printHistory(cmd, h, eng.triggerNames(cmd.Context()))
	return nil
}

func printHistory(cmd *cobra.Command, h *store.TriggerHistory, names map[string]string) {
	trigger := h.TriggerUUID
	if name := names[h.TriggerUUID]; name != "" {
		trigger = fmt.Sprintf("%s (%s)", name, h.TriggerUUID)
	}
	association := h.AssociationUUID
	if association == "" {
		association = "(manual)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "History:      %s\n", h.UUID)
	fmt.Fprintf(&b, "Triggered:    %s\n", h.TriggeredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Trigger:      %s\n", trigger)
	fmt.Fprintf(&b, "Association:  %s\n", association)
	fmt.Fprintf(&b, "Object:       %s\n", store.Object{Resource: h.Resource, UUID: h.ObjectUUID})
	if h.Event != "" {
		fmt.Fprintf(&b, "Event:        %s\n", h.Event)
	}
	fmt.Fprintf(&b, "Result:       %s\n", monitor.Result(h))
	if h.Message != "" {
		fmt.Fprintf(&b, "Message:      %s\n", h.Message)
	}
	if len(h.Records) > 0 {
		fmt.Fprintf(&b, "\n%-10s %-38s %-12s %s\n", "SUBJECT", "UUID", "STATUS", "DETAIL")
		for i := range h.Records {
			r := &h.Records[i]
			fmt.Fprintf(&b, "%-10s %-38s %-12s %s\n", r.Subject.Kind(), r.Subject.UUID(), r.Status, r.Message)
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String()) //nolint:errcheck // best-effort output
}

func runHistoryPurge(cmd *cobra.Command, _ []string) error {
	beforeStr, _ := cmd.Flags().GetString("before") //nolint:errcheck // flag registered above
	before, err := store.ParseDate(beforeStr)
	if err != nil {
		return fmt.Errorf("--before: %w", err)
	}

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup

	n, err := eng.history.Purge(cmd.Context(), before)
	if err != nil {
		return err
	}
	cmd.Printf("purged %d history rows triggered before %s\n", n, before.Format(time.RFC3339))
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
