package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"objcstubs/internal/output"
	"objcstubs/internal/program"
	"objcstubs/internal/stubs"
)

func newRenameCmd(a *app) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "rename <binary>",
		Short: "Rename every recognized trampoline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, rep, err := a.run(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			defer p.Close()

			w := cmd.OutOrStdout()
			for _, r := range rep.Renames() {
				fmt.Fprintf(w, "0x%x  %s -> %s\n", r.Addr, r.OldName, r.NewName)
			}
			printSummary(w, rep)

			dir, err := a.outDir(outDir)
			if err != nil || dir == "" {
				return err
			}
			if err := writeRenameOutputs(dir, args[0], p, rep); err != nil {
				return err
			}
			a.log.Info().Str("dir", dir).Msg("wrote outputs")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write renames.jsonl, report.json, symbols and host metadata to this directory")
	return cmd
}

func writeRenameOutputs(dir, binary string, p *program.Program, rep *stubs.Report) error {
	if err := output.WriteRenamesJSONL(dir, rep.Renames()); err != nil {
		return err
	}
	if err := output.WriteReportJSON(dir, rep); err != nil {
		return err
	}

	syms := symbolEntries(p, rep)
	if err := output.WriteSymbolsJSON(dir, syms); err != nil {
		return err
	}
	if err := output.WriteSymbolMap(dir, syms); err != nil {
		return err
	}

	sizes := make(map[uint64]uint64, len(syms))
	for _, s := range syms {
		sizes[s.Address] = s.Size
	}
	return output.WriteHostMeta(dir, output.BuildHostMeta(binaryName(binary), rep, sizes))
}

// symbolEntries snapshots the symbol table, with sizes for region functions.
func symbolEntries(p *program.Program, rep *stubs.Report) []output.SymbolEntry {
	sizes := make(map[uint64]uint64)
	if fns, err := p.Functions(rep.Region); err == nil {
		for _, fn := range fns {
			sizes[fn.Addr] = fn.Size
		}
	}
	var out []output.SymbolEntry
	for _, s := range p.Symbols() {
		out = append(out, output.SymbolEntry{Address: s.Addr, Name: s.Name, Size: sizes[s.Addr]})
	}
	return out
}

func printSummary(w io.Writer, rep *stubs.Report) {
	if !rep.RegionFound {
		fmt.Fprintf(w, "%s: region not present, nothing to do\n", rep.Region)
		return
	}
	done := rep.Count(stubs.OutcomeRenamed)
	verb := "renamed"
	if !rep.Applied {
		done = rep.Count(stubs.OutcomePlanned)
		verb = "would rename"
	}
	fmt.Fprintf(w, "%s: %s %d of %d functions (%d not trampolines, %d unresolved, %d rejected)\n",
		rep.Region, verb, done, len(rep.Candidates),
		rep.Count(stubs.OutcomeMismatch),
		rep.Count(stubs.OutcomeUnresolved),
		rep.Count(stubs.OutcomeRejected))
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <binary>",
		Short: "Show what rename would do without renaming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, rep, err := a.run(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			defer p.Close()

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			for _, c := range rep.Candidates {
				detail := c.Reason
				if c.Rename != nil {
					detail = c.Rename.NewName
				}
				fmt.Fprintf(w, "0x%x  %-10s  %-24s  %s\n", c.Addr, c.Outcome, c.Name, detail)
			}
			printSummary(w, rep)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}
