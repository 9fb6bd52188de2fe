//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPSCommand() *cobra.Command {
	var root int

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "Dump the host process tree rooted at a PID",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpProcessTree(root)
		},
	}
	cmd.Flags().IntVar(&root, "pid", 1, "PID to root the tree at")
	return cmd
}

// dumpProcessTree walks /proc/<pid>/task/*/children the way
// pkg/system/proc.ReadProcChildren does, rendering the same tabwriter
// table shape cmd/consumption/main.go prints its sample rows with.
func dumpProcessTree(rootPID int) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCOMM\tSTATE\tPPID")
	fmt.Fprintln(tw, "---\t----\t-----\t----")

	var walk func(pid, depth int) error
	walk = func(pid, depth int) error {
		comm, state, ppid, err := readProcStatus(pid)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s%d\t%s\t%s\t%d\n", strings.Repeat("  ", depth), pid, comm, state, ppid)

		children, err := readProcChildren(pid)
		if err != nil {
			return nil // leaf process, or /proc/<pid>/task/*/children unsupported
		}
		sort.Ints(children)
		for _, c := range children {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(rootPID, 0); err != nil {
		return err
	}
	return tw.Flush()
}

// readProcStatus parses the fields of /proc/<pid>/stat this diagnostic
// cares about: comm (parenthesized, may contain spaces), state, and
// ppid, following the same "skip to the closing paren" approach
// pkg/system/proc.ReadProcStat uses for the jiffy counters.
func readProcStatus(pid int) (comm, state string, ppid int, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", "", 0, err
	}
	line := strings.TrimSpace(string(raw))
	open := strings.IndexByte(line, '(')
	closeParen := strings.LastIndexByte(line, ')')
	if open < 0 || closeParen < 0 || closeParen < open {
		return "", "", 0, fmt.Errorf("kdiag: malformed /proc/%d/stat", pid)
	}
	comm = line[open+1 : closeParen]
	rest := strings.Fields(line[closeParen+1:])
	if len(rest) < 2 {
		return "", "", 0, fmt.Errorf("kdiag: truncated /proc/%d/stat", pid)
	}
	state = rest[0]
	ppid, _ = strconv.Atoi(rest[1])
	return comm, state, ppid, nil
}

func readProcChildren(pid int) ([]int, error) {
	paths, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*/children", pid))
	if err != nil {
		return nil, err
	}
	set := map[int]struct{}{}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, s := range strings.Fields(string(b)) {
			if id, err := strconv.Atoi(s); err == nil {
				set[id] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}
