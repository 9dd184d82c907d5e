package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Block catalog tools",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load blocks.yaml and check every kind has a behavior",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("configs")
		cat, err := catalogs.Load(dir)
		if err != nil {
			return err
		}
		return validateCatalog(cmd.OutOrStdout(), cat, logic.Builtins())
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show [kind]",
	Short: "Print block definitions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("configs")
		cat, err := catalogs.Load(dir)
		if err != nil {
			return err
		}
		kinds := cat.Kinds
		if len(args) == 1 {
			if _, ok := cat.Block(args[0]); !ok {
				return fmt.Errorf("unknown kind %q", args[0])
			}
			kinds = args
		}
		for _, k := range kinds {
			d, _ := cat.Block(k)
			printBlock(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd, catalogShowCmd)
	rootCmd.AddCommand(catalogCmd)
}

// validateCatalog reports kinds without behaviors (placeable but inert) and
// behaviors the catalog never declares.
func validateCatalog(w io.Writer, cat *catalogs.Catalog, reg *logic.Registry) error {
	var inert []string
	for _, k := range cat.Kinds {
		if _, ok := reg.Lookup(k); !ok {
			inert = append(inert, k)
		}
	}
	var orphan []string
	for _, k := range reg.Kinds() {
		if _, ok := cat.Block(k); !ok {
			orphan = append(orphan, k)
		}
	}
	sort.Strings(orphan)

	fmt.Fprintf(w, "catalog ok: %d kinds, digest %s\n", len(cat.Kinds), cat.Digest)
	for _, k := range inert {
		fmt.Fprintf(w, "warning: kind %s has no behavior\n", k)
	}
	if len(orphan) > 0 {
		return fmt.Errorf("behaviors without catalog entry: %s", strings.Join(orphan, ", "))
	}
	return nil
}

func printBlock(w io.Writer, d catalogs.BlockDef) {
	fmt.Fprintf(w, "%s (%s)\n", d.ID, d.DisplayName)
	for _, in := range d.Inputs {
		var extra []string
		if in.Group != "" {
			extra = append(extra, "group="+in.Group)
		}
		if in.ConnectorHidden {
			extra = append(extra, "no-connector")
		}
		if in.Default.Type.Primitive() {
			extra = append(extra, "default="+in.Default.Static.String())
		}
		if in.Default.Control != nil {
			extra = append(extra, "controlled")
		}
		if in.Clamp != nil {
			extra = append(extra, fmt.Sprintf("clamp=[%g,%g]", in.Clamp.Min, in.Clamp.Max))
		}
		fmt.Fprintf(w, "  in  %-12s %-40s %s\n", in.ID, in.Types, strings.Join(extra, " "))
	}
	for _, o := range d.Outputs {
		var extra string
		if o.Group != "" {
			extra = "group=" + o.Group
		}
		fmt.Fprintf(w, "  out %-12s %-40s %s\n", o.ID, o.Types, extra)
	}
}
