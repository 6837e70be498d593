package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"evovista/internal/config"
	"evovista/internal/stage"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})

	var asJSON bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the driver script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(asJSON)
		},
	}
	validate.Flags().BoolVar(&asJSON, "json", false, "print the effective configuration as JSON after validating")
	cmd.AddCommand(validate)

	return cmd
}

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n", config.Path())
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Data directory: %s\n", r.cfg.Paths.DataDir)
	fmt.Printf("  Driver script: %s\n", r.cfg.Paths.DriverScript)
	fmt.Printf("  History database: %s\n", r.cfg.Paths.HistoryDB)
	fmt.Printf("\nBackends:\n")
	fmt.Printf("  Local: %s %s\n", r.cfg.Backend.LocalTool, strings.Join(r.cfg.Backend.LocalArgs, " "))
	fmt.Printf("  Container: %s %s\n", r.cfg.Backend.ContainerTool, strings.Join(r.cfg.Backend.ContainerArgs, " "))
	fmt.Printf("  Probe timeout: %s\n", r.cfg.ProbeTimeout())
	fmt.Printf("  Selector variable: %s\n", r.cfg.Backend.EnvVar)
	fmt.Printf("\nPipeline:\n")
	fmt.Printf("  Matcher: %s\n", r.cfg.Pipeline.DefaultMatcher)
	fmt.Printf("  Image set: %s\n", r.cfg.Pipeline.DefaultImageSet)
	fmt.Printf("  Launcher: %s\n", r.cfg.Pipeline.Launcher)
	fmt.Printf("  On existing results: %s\n", r.cfg.Pipeline.OnExisting)
	fmt.Printf("  Archive collision: %s\n", r.cfg.Pipeline.ArchiveCollision)
	fmt.Printf("\nBlur filter:\n")
	fmt.Printf("  Input: %s\n", r.cfg.Blur.InputDir)
	fmt.Printf("  Filtered: %s\n", r.cfg.Blur.FilteredDir)
	fmt.Printf("  Bins: %d\n", r.cfg.Blur.Bins)

	table, err := r.cfg.StageTable()
	if err != nil {
		return err
	}
	fmt.Printf("\nRestart overwrites:\n")
	for _, name := range stage.All {
		fmt.Printf("  %-22s %s\n", name, strings.Join(table[name], ", "))
	}
	return nil
}

func (r *Root) configValidate(asJSON bool) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	if info, err := os.Stat(r.cfg.Paths.DriverScript); err != nil || info.IsDir() {
		fmt.Printf("⚠️  driver script not found: %s\n", r.cfg.Paths.DriverScript)
	}
	fmt.Printf("✅ configuration is valid\n")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r.cfg)
	}
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Evovista %s\n", Version)
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
