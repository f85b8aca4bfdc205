package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"objcstubs/internal/config"
	"objcstubs/internal/logging"
	"objcstubs/internal/program"
	"objcstubs/internal/stubs"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is the state shared by every subcommand after flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logPretty  bool
	region     string
	templates  []string
	prefix     string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "objcstubs",
		Short: "Rename Objective-C msgSend trampolines in arm64 Mach-O binaries",
		Long: `objcstubs finds the selector trampolines ld64 emits into __objc_stubs
(ADRP/LDR selref, ADRP/LDR _objc_msgSend, BR) and names each one
_objc_msgSend$<selector>.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&a.logPretty, "log-pretty", true, "human-readable log output")
	pf.StringVar(&a.region, "region", "", `section to scan, "SEG,sect" or "sect" (default "`+stubs.DefaultRegion+`")`)
	pf.StringSliceVar(&a.templates, "templates", nil, "trampoline templates to try ("+strings.Join(stubs.TemplateNames(), ", ")+")")
	pf.StringVar(&a.prefix, "prefix", "", `name prefix (default "`+stubs.DefaultPrefix+`")`)

	root.AddCommand(newRenameCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newDisasmCmd(a))
	root.AddCommand(newGraphCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// setup loads the config file, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty = a.logPretty
	}
	if flags.Changed("region") {
		cfg.Region = a.region
	}
	if flags.Changed("templates") {
		cfg.Templates = a.templates
	}
	if flags.Changed("prefix") {
		cfg.Prefix = a.prefix
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	a.cfg = cfg
	a.log = logging.NewWithComponent(lc, cmd.Name())
	return nil
}

func (a *app) open(path string) (*program.Program, error) {
	p, err := program.Open(path, program.Options{MaxCString: a.cfg.MaxSelector})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.log.Debug().Str("path", path).Uint64("base", p.File().BaseAddress()).Msg("loaded")
	return p, nil
}

func (a *app) pass() (*stubs.Pass, error) {
	ts, err := a.cfg.StubTemplates()
	if err != nil {
		return nil, err
	}
	return stubs.NewPass(stubs.Options{
		Region:          a.cfg.Region,
		Prefix:          a.cfg.Prefix,
		Templates:       ts,
		RequireMethname: a.cfg.RequireMethname,
		MethnameSection: a.cfg.MethnameSection,
		Logger:          &a.log,
	}), nil
}

// run opens path and runs the pass, renaming when apply is set.
func (a *app) run(ctx context.Context, path string, apply bool) (*program.Program, *stubs.Report, error) {
	p, err := a.open(path)
	if err != nil {
		return nil, nil, err
	}
	pass, err := a.pass()
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	var rep *stubs.Report
	if apply {
		rep, err = pass.Run(ctx, p)
	} else {
		rep, err = pass.Plan(ctx, p)
	}
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, rep, nil
}

// outDir resolves --out against the config and creates it.
func (a *app) outDir(flag string) (string, error) {
	dir := flag
	if dir == "" {
		dir = a.cfg.Out
	}
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func binaryName(path string) string { return filepath.Base(path) }

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("objcstubs %s\n", version)
		},
	}
}
