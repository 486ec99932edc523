package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/store"
)

var associateCmd = &cobra.Command{
	Use:   "associate <trigger>",
	Short: "Attach a trigger to an object, or to every object of its resource",
	Long: `Attach a trigger, given by name or UUID, to one object. Without --object the
trigger applies to every object of its resource. Associations run in ascending
--order; ties run in creation order.`,
	Example: `  trustflow associate revoke-weak-keys --object cert-1 --order 10
  trustflow associate notify-expiring`,
	Args: cobra.ExactArgs(1),
	RunE: runAssociate,
}

var dissociateCmd = &cobra.Command{
	Use:   "dissociate [association-uuid]",
	Short: "Remove one association, or every association of a deleted object",
	Example: `  trustflow dissociate 4b0e...
  trustflow dissociate --resource CERTIFICATE --object cert-1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDissociate,
}

func init() {
	rootCmd.AddCommand(associateCmd, dissociateCmd)
	associateCmd.Flags().String("object", "", "Object UUID (empty = every object of the trigger's resource)")
	associateCmd.Flags().Int("order", 0, "Run order among the object's associations")

	dissociateCmd.Flags().String("resource", "", "Resource of the object (with --object)")
	dissociateCmd.Flags().String("object", "", "Detach every trigger from this object")
}

func runAssociate(cmd *cobra.Command, args []string) error {
	object, _ := cmd.Flags().GetString("object") //nolint:errcheck // flag registered above
	order, _ := cmd.Flags().GetInt("order")      //nolint:errcheck // flag registered above

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup
	ctx := cmd.Context()

	t, err := eng.catalog.FindTrigger(ctx, args[0])
	if err != nil {
		return fmt.Errorf("trigger %q: %w", args[0], err)
	}
	a := &store.TriggerAssociation{TriggerUUID: t.UUID, Resource: t.Resource, ObjectUUID: object, Order: order}
	if err := eng.catalog.Associate(ctx, a); err != nil {
		return err
	}
	target := "every " + string(t.Resource)
	if object != "" {
		target = store.Object{Resource: t.Resource, UUID: object}.String()
	}
	cmd.Printf("associated %s with %s (%s)\n", t.Name, target, a.UUID)
	return nil
}

func runDissociate(cmd *cobra.Command, args []string) error {
	object, _ := cmd.Flags().GetString("object")   //nolint:errcheck // flag registered above
	resStr, _ := cmd.Flags().GetString("resource") //nolint:errcheck // flag registered above
	if (len(args) == 1) == (object != "") {
		return errors.New("pass either an association uuid or --object")
	}

	eng, err := openStores(cmd)
	if err != nil {
		return err
	}
	defer eng.Close() //nolint:errcheck // best-effort cleanup
	ctx := cmd.Context()

	if len(args) == 1 {
		if err := eng.catalog.Dissociate(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("removed association %s\n", args[0])
		return nil
	}

	resource, err := store.ParseResource(resStr)
	if err != nil {
		return fmt.Errorf("--resource is required with --object: %w", err)
	}
	n, err := eng.catalog.DeleteObjectAssociations(ctx, resource, object)
	if err != nil {
		return err
	}
	cmd.Printf("removed %d associations of %s\n", n, store.Object{Resource: resource, UUID: object})
	return nil
}
