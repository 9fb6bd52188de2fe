package main

import (
	"bytes"
	"context"
	"fmt"

	efi "github.com/canonical/go-efilib"
	"github.com/spf13/cobra"
)

func newEFICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "efi",
		Short: "List EFI boot variables and decode the BootOrder/Boot#### entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpEFIBootVars(cmd.Context())
		},
	}
	return cmd
}

// dumpEFIBootVars lists every EFI variable visible to this process and
// decodes the boot-manager ones, following the same
// efi.ListVariables/efi.ReadVariable pair canonical-snapd's boot package
// wraps as efiListVariables/efiReadVariable for its own boot-entry
// diagnostics.
func dumpEFIBootVars(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	descs, err := efi.ListVariables(ctx)
	if err != nil {
		return fmt.Errorf("kdiag: list EFI variables: %w", err)
	}

	for _, d := range descs {
		if d.GUID != efi.GlobalVariable {
			continue
		}
		switch {
		case d.Name == "BootOrder":
			data, _, err := efi.ReadVariable(ctx, d.Name, d.GUID)
			if err != nil {
				fmt.Printf("BootOrder: read error: %v\n", err)
				continue
			}
			fmt.Printf("BootOrder: %d entries\n", len(data)/2)
		case isBootEntryName(d.Name):
			data, attrs, err := efi.ReadVariable(ctx, d.Name, d.GUID)
			if err != nil {
				fmt.Printf("%s: read error: %v\n", d.Name, err)
				continue
			}
			opt, err := efi.ReadLoadOption(bytes.NewReader(data))
			if err != nil {
				fmt.Printf("%s: %d bytes, attrs=%v (undecodable load option: %v)\n", d.Name, len(data), attrs, err)
				continue
			}
			fmt.Printf("%s: %q attrs=%v\n", d.Name, opt.Description, attrs)
		}
	}
	return nil
}

func isBootEntryName(name string) bool {
	if len(name) != len("Boot0000") {
		return false
	}
	if name[:4] != "Boot" {
		return false
	}
	for _, c := range name[4:] {
		if c < '0' || c > '9' {
			if c < 'A' || c > 'F' {
				return false
			}
		}
	}
	return true
}
