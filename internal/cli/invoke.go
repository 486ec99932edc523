package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/dispatch"
	"github.com/ppiankov/trustflow/internal/store"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <trigger>",
	Short: "Run one trigger on one object",
	Long: `Run a trigger, given by name or UUID, on an object regardless of its
associations and event. MANUAL triggers only run this way.

Exit codes are the same as for dispatch.`,
	Example: `  trustflow invoke revoke-weak-keys --object cert-1
  trustflow invoke revoke-weak-keys --resource CERTIFICATE --object cert-1 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)
	invokeCmd.Flags().String("resource", "", "Resource of the object (default: the trigger's resource)")
	invokeCmd.Flags().String("object", "", "Object UUID")
	addRunFlags(invokeCmd)
	_ = invokeCmd.MarkFlagRequired("object") //nolint:errcheck // flag registered above
}

func runInvoke(cmd *cobra.Command, args []string) error {
	resStr, _ := cmd.Flags().GetString("resource") //nolint:errcheck // flag registered above
	object, _ := cmd.Flags().GetString("object")   //nolint:errcheck // flag registered above
	var resource store.Resource
	if resStr != "" {
		var err error
		if resource, err = store.ParseResource(resStr); err != nil {
			return err
		}
	}

	return runWithDispatcher(cmd, func(ctx context.Context, eng *engine, d *dispatch.Dispatcher) ([]store.TriggerHistory, error) {
		t, err := eng.catalog.FindTrigger(ctx, args[0])
		if err != nil {
			return nil, err
		}
		obj := store.Object{Resource: resource, UUID: object}
		if obj.Resource == "" {
			obj.Resource = t.Resource
		}
		h, err := d.Invoke(ctx, t.UUID, obj)
		if h.UUID == "" {
			return nil, err
		}
		return []store.TriggerHistory{h}, err
	})
}
