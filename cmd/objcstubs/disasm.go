package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"objcstubs/internal/callgraph"
	"objcstubs/internal/disasm"
	"objcstubs/internal/output"
	"objcstubs/internal/program"
	"objcstubs/internal/stubs"
)

func newDisasmCmd(a *app) *cobra.Command {
	var (
		outDir string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "disasm <binary>",
		Short: "Print annotated disassembly of the stub region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := a.run(cmd.Context(), args[0], !raw)
			if err != nil {
				return err
			}
			defer p.Close()

			dir, err := a.outDir(outDir)
			if err != nil {
				return err
			}

			fns, err := p.Functions(a.cfg.Region)
			if errors.Is(err, stubs.ErrRegionNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: region not present\n", a.cfg.Region)
				return nil
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, fn := range fns {
				insts, err := p.Instructions(fn)
				if err != nil {
					a.log.Warn().Uint64("addr", fn.Addr).Err(err).Msg("skip function")
					continue
				}
				ann := disasm.PageAnnotator(insts, p.DescribeSlot)
				if dir != "" {
					if err := output.WriteASM(dir, fn.Name, insts, p.Lookup(), ann); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(w, "%s:\n%s\n", fn.Name, disasm.Format(insts, p.Lookup(), ann))
			}
			if dir != "" {
				a.log.Info().Int("functions", len(fns)).Str("dir", dir).Msg("wrote disassembly")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "write asm/<function>.txt files instead of printing")
	cmd.Flags().BoolVar(&raw, "raw", false, "do not rename trampolines before printing")
	return cmd
}

func newGraphCmd(a *app) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "graph <binary>",
		Short: "Write DOT graphs of trampolines and their dispatch targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, rep, err := a.run(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			defer p.Close()

			dir, err := a.outDir(outDir)
			if err != nil {
				return err
			}
			if dir == "" {
				return fmt.Errorf("--out is required")
			}
			return writeGraphs(dir, binaryName(args[0]), p, rep)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory")
	return cmd
}

func writeGraphs(dir, title string, p *program.Program, rep *stubs.Report) error {
	if err := output.WriteDOT(dir, "stubs", title+" trampolines", callgraph.BuildStubGraph(rep.Renames(), callgraph.ProgramDispatch(p))); err != nil {
		return err
	}
	funcs, err := callgraph.Collect(p, rep.Region)
	if err != nil && !errors.Is(err, stubs.ErrRegionNotFound) {
		return err
	}
	if err := output.WriteDOT(dir, "callgraph", title+" call graph", callgraph.BuildCallGraph(funcs)); err != nil {
		return err
	}
	if err := output.WriteCFGDOT(dir, "cfg", title+" CFG", callgraph.BuildCFG(funcs)); err != nil {
		return err
	}
	return output.WriteIndexHTML(dir, title, rep, []string{"stubs.dot", "callgraph.dot", "cfg.dot"})
}
