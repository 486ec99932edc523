package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/config"
	"github.com/ppiankov/trustflow/internal/dispatch"
	"github.com/ppiankov/trustflow/internal/monitor"
	"github.com/ppiankov/trustflow/internal/store"
	"github.com/ppiankov/trustflow/internal/telemetry"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch a lifecycle event for one object",
	Long: `Run every trigger associated with an object for a lifecycle event, in
association order, and record one audit row per trigger.

Exit codes:
  0  every trigger ran cleanly
  1  a condition could not be evaluated or a definition was missing
  2  a matched trigger had failing actions
  3  the dispatch failed (for example the audit trail could not be written)`,
	Example: `  trustflow dispatch --resource CERTIFICATE --event CERTIFICATE_ISSUED --object 6f1c...
  trustflow dispatch --resource CERTIFICATE --event CERTIFICATE_ISSUED --object cert-1 --objects objects.json -o json`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().String("resource", "", "Resource of the object (e.g. CERTIFICATE)")
	dispatchCmd.Flags().String("event", "", "Lifecycle event name")
	dispatchCmd.Flags().String("object", "", "Object UUID")
	addRunFlags(dispatchCmd)
	_ = dispatchCmd.MarkFlagRequired("resource") //nolint:errcheck // flag registered above
	_ = dispatchCmd.MarkFlagRequired("event")    //nolint:errcheck // flag registered above
	_ = dispatchCmd.MarkFlagRequired("object")   //nolint:errcheck // flag registered above
}

// addRunFlags registers the flags shared by dispatch and invoke.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("objects", "", "JSON objects file used to resolve fields (overrides config)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress output, only set the exit code")
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	resStr, _ := cmd.Flags().GetString("resource") //nolint:errcheck // flag registered above
	event, _ := cmd.Flags().GetString("event")     //nolint:errcheck // flag registered above
	object, _ := cmd.Flags().GetString("object")   //nolint:errcheck // flag registered above
	resource, err := store.ParseResource(resStr)
	if err != nil {
		return err
	}

	return runWithDispatcher(cmd, func(ctx context.Context, _ *engine, d *dispatch.Dispatcher) ([]store.TriggerHistory, error) {
		return d.Dispatch(ctx, resource, event, object)
	})
}

type runFunc func(ctx context.Context, eng *engine, d *dispatch.Dispatcher) ([]store.TriggerHistory, error)

// runWithDispatcher opens the engine, runs fn and prints the resulting rows.
// A non-clean outcome is returned as an ExitError after printing.
func runWithDispatcher(cmd *cobra.Command, fn runFunc) error {
	outputFlag, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	quiet, _ := cmd.Flags().GetBool("quiet")         //nolint:errcheck // flag registered above
	if outputFlag != "json" && outputFlag != "table" {
		return fmt.Errorf("invalid --output value %q: must be json or table", outputFlag)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	objectsFile, _ := cmd.Flags().GetString("objects") //nolint:errcheck // flag registered above
	fields, err := openFields(cfg, objectsFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup

	opts, shutdown := tracingOptions(ctx, cmd, cfg)
	defer shutdown()
	d, err := eng.dispatcher(fields, opts...)
	if err != nil {
		return err
	}

	rows, runErr := fn(ctx, eng, d)
	exitCode := monitor.ExitCode(rows, runErr)

	if !quiet {
		switch outputFlag {
		case "json":
			if err := monitor.WriteJSON(cmd.OutOrStdout(), rows, exitCode, runErr); err != nil {
				return fmt.Errorf("writing JSON output: %w", err)
			}
		default:
			fmt.Fprint(cmd.OutOrStdout(), monitor.PlainText(rows, eng.triggerNames(ctx), time.Now())) //nolint:errcheck // best-effort output
			if runErr != nil {
				cmd.PrintErrln("Error:", runErr)
			}
		}
	}

	if exitCode != monitor.ExitOK {
		silence(cmd)
		return &ExitError{Code: exitCode}
	}
	return nil
}

// tracingOptions initialises the tracer from --otel-endpoint or config.
func tracingOptions(ctx context.Context, cmd *cobra.Command, cfg *config.Config) ([]dispatch.Option, func()) {
	endpoint, _ := cmd.Flags().GetString("otel-endpoint") //nolint:errcheck // flag registered on root
	if endpoint == "" {
		endpoint = cfg.OTelEndpoint
	}
	tracer, shutdown, err := telemetry.InitTracer(ctx, telemetry.Options{Endpoint: endpoint, ServiceVersion: version})
	if err != nil {
		slog.Warn("initializing tracer", "err", err)
		return nil, func() {}
	}
	return []dispatch.Option{dispatch.WithTracer(tracer)}, func() {
		shutdown(context.Background()) //nolint:errcheck,gosec // best-effort flush
	}
}
