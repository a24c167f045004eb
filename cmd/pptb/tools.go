package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pptb-app/pptb/internal/config"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/installer"
	"github.com/pptb-app/pptb/internal/registry"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/spf13/cobra"
)

// installTimeout covers a download plus extraction; slower than the
// default CLI timeout on purpose.
const installTimeout = 5 * time.Minute

func newToolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tool",
		Aliases: []string{"tools"},
		Short:   "Manage installed tools",
	}
	cmd.AddCommand(newToolListCmd())
	cmd.AddCommand(newToolInstallCmd())
	cmd.AddCommand(newToolUninstallCmd())
	cmd.AddCommand(newToolUpdateCmd())
	return cmd
}

func newInstaller(registryURL string) (*installer.Installer, func(), error) {
	paths, err := config.EnsureDirs()
	if err != nil {
		return nil, nil, fmt.Errorf("prepare supervisor directories: %w", err)
	}
	bus := eventbus.New()
	catalog := tools.NewCatalog(paths.ToolsDir)
	reg := registry.NewClient(registryURL)
	inst := installer.New(catalog, reg, bus, paths.TempDir)
	return inst, bus.Shutdown, nil
}

func newToolListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			paths, err := config.EnsureDirs()
			if err != nil {
				return err
			}
			manifests, err := tools.NewCatalog(paths.ToolsDir).List()
			if err != nil {
				return err
			}

			if f.jsonMode {
				return f.Print(manifests)
			}
			if len(manifests) == 0 {
				fmt.Println("No tools installed")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tSOURCE")
			for _, m := range manifests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Version, m.Source)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newToolInstallCmd() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "install <tool-id>",
		Short: "Install a tool from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			inst, cleanup, err := newInstaller(registryURL)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
			defer cancel()
			m, err := inst.InstallFromRegistry(ctx, args[0])
			if err != nil {
				return err
			}
			return f.Success(fmt.Sprintf("Installed %s %s", m.Name, m.Version), map[string]any{
				"id":      m.ID,
				"version": m.Version,
			})
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "override the tool registry endpoint")
	return cmd
}

func newToolUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <tool-id>",
		Short: "Uninstall a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			inst, cleanup, err := newInstaller("")
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
			defer cancel()
			if err := inst.Uninstall(ctx, args[0]); err != nil {
				return err
			}
			return f.Success(fmt.Sprintf("Uninstalled %s", args[0]), nil)
		},
	}
	return cmd
}

func newToolUpdateCmd() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "update [tool-id]",
		Short: "Update a tool, or list available updates when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			inst, cleanup, err := newInstaller(registryURL)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
			defer cancel()

			if len(args) == 0 {
				updates, err := inst.CheckUpdates(ctx)
				if err != nil {
					return err
				}
				if f.jsonMode {
					return f.Print(updates)
				}
				if len(updates) == 0 {
					fmt.Println("All tools are up to date")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tINSTALLED\tAVAILABLE")
				for _, u := range updates {
					fmt.Fprintf(w, "%s\t%s\t%s\n", u.ToolID, u.InstalledVersion, u.RegistryVersion)
				}
				return w.Flush()
			}

			if err := inst.UpdateTool(ctx, args[0]); err != nil {
				return err
			}
			return f.Success(fmt.Sprintf("Updated %s", args[0]), nil)
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "override the tool registry endpoint")
	return cmd
}

func newRegistryCmd() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Interact with the tool registry",
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the registry catalog and print its entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			reg := registry.NewClient(registryURL)

			ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
			defer cancel()
			entries, err := reg.Fetch(ctx)
			if err != nil {
				return err
			}

			if f.jsonMode {
				return f.Print(entries)
			}
			if len(entries) == 0 {
				fmt.Println("Registry has no tools")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Name, e.Version)
			}
			return w.Flush()
		},
	}
	refresh.Flags().StringVar(&registryURL, "registry", "", "override the tool registry endpoint")
	cmd.AddCommand(refresh)
	return cmd
}
