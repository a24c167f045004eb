package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pptb-app/pptb/internal/config"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/daemon"
	"github.com/pptb-app/pptb/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command

func main() {
	rootCmd = &cobra.Command{
		Use:           "pptb",
		Short:         "Operator CLI for the Dataverse toolbox supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newConnectionCmd())
	rootCmd.AddCommand(newToolCmd())
	rootCmd.AddCommand(newRegistryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// OutputFormatter prints either human-readable text or JSON depending on
// the --json flag.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

func (f *OutputFormatter) Print(data any) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// openStore opens the supervisor's config store. Read-only commands pass
// readOnly to coexist with a running daemon.
func openStore(readOnly bool) (*store.Store, config.Paths, error) {
	paths, err := config.EnsureDirs()
	if err != nil {
		return nil, paths, fmt.Errorf("prepare supervisor directories: %w", err)
	}
	st, err := store.Open(store.Options{DBPath: paths.ConfigDB, ReadOnly: readOnly})
	if err != nil {
		return nil, paths, fmt.Errorf("open config store: %w", err)
	}
	return st, paths, nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the supervisor daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			paths := config.GetPaths()

			running := daemon.IsRunning(paths)
			reachable := running && daemon.Reachable("")

			if f.jsonMode {
				return f.Print(map[string]any{
					"running":   running,
					"reachable": reachable,
					"home":      paths.Home,
					"version":   version.String(),
				})
			}
			if !running {
				return f.Print("Supervisor is not running")
			}
			if !reachable {
				return f.Print("Supervisor is running but the IPC endpoint is not reachable")
			}
			return f.Print("Supervisor is running")
		},
	}
	return cmd
}
