package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftkernel/drift/pkg/aml"
)

func newACPICommand() *cobra.Command {
	var tablesDir string
	var signatures []string

	cmd := &cobra.Command{
		Use:   "acpi",
		Short: "Parse ACPI tables and dump the resulting AML namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpNamespace(tablesDir, signatures)
		},
	}
	cmd.Flags().StringVar(&tablesDir, "tables", "/sys/firmware/acpi/tables", "directory ACPI tables are read from")
	cmd.Flags().StringSliceVar(&signatures, "sig", []string{"DSDT", "SSDT"}, "table signatures to load, in order")
	return cmd
}

// dumpNamespace loads the requested tables through the same
// SysfsTableSource/LoadTables path pkg/aml exposes for a booting kernel,
// then walks the resulting namespace depth-first.
func dumpNamespace(tablesDir string, signatures []string) error {
	src := aml.SysfsTableSource{Root: tablesDir}
	p, err := aml.LoadTables(src, signatures, nil)
	if p == nil {
		return err
	}
	if err != nil {
		fmt.Printf("# table load stopped early: %v\n", err)
	}

	var walk func(e aml.Entity, depth int)
	walk = func(e aml.Entity, depth int) {
		scope, ok := e.(*aml.ScopeEntity)
		if !ok {
			fmt.Printf("%s%s [Field]\n", strings.Repeat("  ", depth), e.Name())
			return
		}
		fmt.Printf("%s%s [%s]\n", strings.Repeat("  ", depth), scope.Name(), entityKind(scope.Type()))
		for _, child := range scope.Children() {
			walk(child, depth+1)
		}
	}
	walk(p.Root(), 0)
	return nil
}

func entityKind(typ aml.EntityType) string {
	switch typ {
	case aml.EntityTypeDevice:
		return "Device"
	case aml.EntityTypeMethod:
		return "Method"
	case aml.EntityTypeName:
		return "Name"
	case aml.EntityTypeScope:
		return "Scope"
	case aml.EntityTypePowerResource:
		return "PowerResource"
	case aml.EntityTypeProcessor:
		return "Processor"
	case aml.EntityTypeThermalZone:
		return "ThermalZone"
	default:
		return "Object"
	}
}
