// Command kdiag is a thin diagnostic CLI for the three subsystems that
// have no other user-facing surface: the host process tree, an ACPI
// table's AML namespace, and the EFI boot-variable store. It exists to
// give cobra/pflag a concrete home, not as a product in its own right.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "kdiag",
		Short: "Diagnostics for the process core, AML interpreter, and EFI boot store",
		Long: `kdiag inspects state that driftkernel's library packages compute but
otherwise never print on their own: the host's /proc process tree (the
same shape pkg/sentry/kernel models in-kernel), a parsed ACPI table's
AML namespace, and the EFI boot-variable list.`,
	}

	root.AddCommand(newPSCommand())
	root.AddCommand(newACPICommand())
	root.AddCommand(newEFICommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
