package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/hymofs/hymolkm"
	"github.com/leodido/structcli"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/thediveo/enumflag/v2"
	"go.uber.org/zap"
)

// Build metadata injected via ldflags.
var (
	version = ""
	commit  = ""
	date    = ""
)

const envPrefix = "HYMOLKM"

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
)

// app carries the state shared by every subcommand.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "hymolkm",
		Short: "Load and unload the HymoFS kernel module",
		Long: `hymolkm manages the lifecycle of the HymoFS loadable kernel module.

It selects the module image built for the running kernel's KMI, loads it with
finit_module (falling back to init_module), and drains and removes it again.
Every flag can also be set from the environment, e.g. HYMOLKM_STATE_DIR.`,
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			return a.setupLogger()
		},
	}

	pf := root.PersistentFlags()
	pf.String("state-dir", hymolkm.DefaultStateDir, "Directory holding persisted lifecycle state")
	pf.String("assets-dir", "", "Directory holding module images (default <state-dir>/lkm)")
	pf.String("legacy-ko", "", "Fixed fallback image (default <state-dir>/hymofs_lkm.ko)")
	pf.String("rmmod", hymolkm.DefaultRmmodPath, "External unload helper; empty disables it")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(pf); err != nil {
		panic(err)
	}

	root.AddCommand(a.loadCmd())
	root.AddCommand(a.unloadCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.probeCmd())
	root.AddCommand(a.autoloadCmd())
	root.AddCommand(a.bootCmd())
	root.AddCommand(a.kmiCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(versionCmd())
	return root
}

func (a *app) setupLogger() error {
	level, err := zap.ParseAtomicLevel(a.v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// managerOptions turns the global flags into Manager options.
func (a *app) managerOptions() []hymolkm.Option {
	stateDir := a.v.GetString("state-dir")
	legacy := a.v.GetString("legacy-ko")
	if legacy == "" {
		legacy = filepath.Join(stateDir, hymolkm.ModuleName+".ko")
	}

	opts := []hymolkm.Option{
		hymolkm.WithLogger(a.logger),
		hymolkm.WithStateDir(stateDir),
		hymolkm.WithLegacyPath(legacy),
		hymolkm.WithRmmodPath(a.v.GetString("rmmod")),
	}
	if dir := a.v.GetString("assets-dir"); dir != "" {
		opts = append(opts, hymolkm.WithAssets(hymolkm.NewDirAssetStore(afero.NewOsFs(), dir)))
	}
	return opts
}

func (a *app) manager(extra ...hymolkm.Option) *hymolkm.Manager {
	return hymolkm.New(append(a.managerOptions(), extra...)...)
}

func (a *app) loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the module if it is not already loaded",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			m := a.manager()
			err := m.Load()
			m.Record(err)
			return reportLifecycle(err)
		},
	}
}

func (a *app) unloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Drain and remove the module if it is loaded",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			m := a.manager()
			err := m.Unload()
			m.Record(err)
			return reportLifecycle(err)
		},
	}
}

// reportLifecycle prints the failure kind for operators and exits non-zero.
func reportLifecycle(err error) error {
	if err == nil {
		return nil
	}
	var le *hymolkm.Error
	if errors.As(err, &le) {
		fmt.Fprintf(os.Stderr, "%s (%s): %s\n", failText("FAIL"), le.Kind, le)
		os.Exit(1)
	}
	return err
}

// StatusOptions defines flags for the status subcommand.
type StatusOptions struct {
	JSON bool `flag:"json" flagshort:"j" flagdescr:"Output in JSON format"`
}

func (o *StatusOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (a *app) statusCmd() *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show module, KMI and autoload state",
		Args:  cobra.NoArgs,
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			hs := a.manager().Probe()
			if opts.JSON {
				return printJSON(hs)
			}
			fmt.Print(hs)
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// ProbeOptions defines flags for the probe subcommand.
type ProbeOptions struct {
	JSON bool `flag:"json" flagshort:"j" flagdescr:"Output in JSON format"`
}

func (o *ProbeOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (a *app) probeCmd() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe whether this host can load and unload the module",
		Args:  cobra.NoArgs,
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			hs := a.manager().Probe(hymolkm.WithAll())
			problems := hs.Diagnose()

			if opts.JSON {
				return printJSON(map[string]any{
					"status":   hs,
					"ok":       len(problems) == 0,
					"problems": problems,
				})
			}

			fmt.Print(hs)
			if len(problems) == 0 {
				fmt.Printf("\n%s: no known blockers\n", okText("OK"))
				return nil
			}
			fmt.Printf("\n%s:\n", failText("Problems"))
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func (a *app) autoloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "autoload [on|off]",
		Short:     "Show or set whether the module is loaded at boot",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(c *cobra.Command, args []string) error {
			store := a.manager().Store()
			if len(args) == 0 {
				fmt.Println(onOff(store.Autoload()))
				return nil
			}
			on, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			if err := store.SetAutoload(on); err != nil {
				return err
			}
			fmt.Printf("autoload %s\n", onOff(on))
			return nil
		},
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "true", "yes":
		return true, nil
	case "off", "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch %q (want on or off)", s)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (a *app) bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Load the module at boot if autoload is enabled",
		Long: `boot is meant for init scripts. It honours the autoload flag, records
the outcome as the last error, and always exits 0.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a.manager().Autoload()
			return nil
		},
	}
}

// KMIOptions defines flags for the kmi subcommand.
type KMIOptions struct {
	Set   string       `flag:"set" flagdescr:"Persist a KMI override, e.g. android14-6.1"`
	Clear bool         `flag:"clear" flagdescr:"Remove the KMI override"`
	Arch  hymolkm.Arch `flag:"arch" flagshort:"a" flagdescr:"Architecture to show the asset name for" flagcustom:"true"`
}

func (o *KMIOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (o *KMIOptions) DefineArch(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*hymolkm.Arch)
	*fieldPtr = hymolkm.HostArch
	return newArchValue(fieldPtr), descr + " (" + strings.Join(archNames(), ", ") + ")"
}

func (o *KMIOptions) DecodeArch(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	return parseArch(s)
}

func (a *app) kmiCmd() *cobra.Command {
	opts := &KMIOptions{}

	cmd := &cobra.Command{
		Use:   "kmi",
		Short: "Show the resolved KMI or manage the override",
		Args:  cobra.NoArgs,
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			if opts.Set != "" && opts.Clear {
				return errors.New("--set and --clear are mutually exclusive")
			}

			m := a.manager(hymolkm.WithArch(opts.Arch))
			store := m.Store()
			switch {
			case opts.Clear:
				if err := store.ClearKMIOverride(); err != nil {
					return err
				}
			case opts.Set != "":
				if err := store.SetKMIOverride(strings.TrimSpace(opts.Set)); err != nil {
					return err
				}
			}

			kmi := m.ResolveKMI()
			if kmi == "" {
				fmt.Fprintln(os.Stderr, "no KMI detected; set one with --set")
				os.Exit(1)
			}
			src := "detected"
			if store.KMIOverride() != "" {
				src = "override"
			}
			fmt.Printf("KMI:   %s (%s)\n", kmi, src)
			fmt.Printf("Asset: %s\n", hymolkm.AssetName(kmi, m.Arch()))
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// InspectOptions defines flags for the inspect subcommand.
type InspectOptions struct {
	JSON bool `flag:"json" flagshort:"j" flagdescr:"Output in JSON format"`
}

func (o *InspectOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func inspectCmd() *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <file.ko>",
		Short: "Show the metadata embedded in a module image",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			mi, err := hymolkm.ReadModinfo(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}

			if opts.JSON {
				return printJSON(struct {
					*hymolkm.Modinfo
					KMI string `json:"kmi,omitempty"`
				}{mi, mi.KMI()})
			}

			fmt.Printf("name:     %s\n", mi.Name)
			fmt.Printf("vermagic: %s\n", mi.Vermagic)
			if kmi := mi.KMI(); kmi != "" {
				fmt.Printf("kmi:      %s\n", kmi)
			}
			if mi.Version != "" {
				fmt.Printf("version:  %s\n", mi.Version)
			}
			if mi.License != "" {
				fmt.Printf("license:  %s\n", mi.License)
			}
			if len(mi.Depends) > 0 {
				fmt.Printf("depends:  %s\n", strings.Join(mi.Depends, ","))
			}
			if len(mi.Params) > 0 {
				fmt.Printf("params:   %s\n", strings.Join(mi.Params, ","))
			}
			if mi.Name != hymolkm.ModuleName {
				fmt.Fprintf(os.Stderr, "%s: image declares %q, not %q\n", warnText("warning"), mi.Name, hymolkm.ModuleName)
			}
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show tool version and module parameters",
		RunE: func(c *cobra.Command, args []string) error {
			if version != "" {
				fmt.Printf("hymolkm %s", version)
				if commit != "" {
					fmt.Printf(" (%s)", commit)
				}
				if date != "" {
					fmt.Printf(" built %s", date)
				}
				fmt.Println()
			} else {
				fmt.Println("hymolkm (dev)")
			}
			fmt.Printf("Module: %s (%s)\n", hymolkm.ModuleName, hymolkm.LoadParams)
			fmt.Printf("Arch:   %s\n", hymolkm.HostArch)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var archIdentifierMap = func() map[hymolkm.Arch][]string {
	ids := make(map[hymolkm.Arch][]string, len(hymolkm.ArchValues()))
	for _, a := range hymolkm.ArchValues() {
		ids[a] = []string{a.String()}
	}
	// Common aliases.
	ids[hymolkm.ArchARM64] = append(ids[hymolkm.ArchARM64], "aarch64")
	ids[hymolkm.ArchX86_64] = append(ids[hymolkm.ArchX86_64], "amd64")
	ids[hymolkm.ArchX86] = append(ids[hymolkm.ArchX86], "i386", "386")
	ids[hymolkm.ArchARMv7] = append(ids[hymolkm.ArchARMv7], "arm")
	return ids
}()

func archNames() []string {
	names := make([]string, 0, len(hymolkm.ArchValues()))
	for _, a := range hymolkm.ArchValues() {
		names = append(names, a.String())
	}
	return names
}

func newArchValue(a *hymolkm.Arch) *enumflag.EnumFlagValue[hymolkm.Arch] {
	return enumflag.New(a, "arch", archIdentifierMap, enumflag.EnumCaseInsensitive)
}

func parseArch(input string) (hymolkm.Arch, error) {
	name := strings.TrimSpace(input)
	if name == "" {
		return hymolkm.HostArch, nil
	}
	var a hymolkm.Arch
	if err := newArchValue(&a).Set(name); err != nil {
		return hymolkm.ArchUnknown, fmt.Errorf("unknown arch: %q (available: %s)", name, strings.Join(archNames(), ", "))
	}
	return a, nil
}
