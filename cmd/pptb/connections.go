package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/pptb-app/pptb/internal/auth"
	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/validate"
	"github.com/spf13/cobra"
)

const cliTimeout = 30 * time.Second

func newConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"connections", "conn"},
		Short:   "Manage Dataverse connections",
	}
	cmd.AddCommand(newConnectionAddCmd())
	cmd.AddCommand(newConnectionListCmd())
	cmd.AddCommand(newConnectionRemoveCmd())
	cmd.AddCommand(newConnectionTestCmd())
	return cmd
}

type connectionFlags struct {
	name         string
	url          string
	environment  string
	authType     string
	clientID     string
	clientSecret string
	tenantID     string
	username     string
	password     string
}

func (cf *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cf.name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&cf.url, "url", "", "Dataverse environment URL (required)")
	cmd.Flags().StringVar(&cf.environment, "env", string(store.EnvDev), "environment tier: Dev, Test, UAT, Production")
	cmd.Flags().StringVar(&cf.authType, "auth", string(store.AuthInteractive), "authentication type: interactive, clientSecret, usernamePassword, connectionString")
	cmd.Flags().StringVar(&cf.clientID, "client-id", "", "application (client) id")
	cmd.Flags().StringVar(&cf.clientSecret, "client-secret", "", "client secret")
	cmd.Flags().StringVar(&cf.tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&cf.username, "username", "", "user principal name")
	cmd.Flags().StringVar(&cf.password, "password", "", "password")
}

func (cf *connectionFlags) toConnection() (store.Connection, error) {
	if cf.name == "" {
		return store.Connection{}, fmt.Errorf("--name is required")
	}
	if err := validate.DataverseURL(cf.url); err != nil {
		return store.Connection{}, err
	}
	env := store.Environment(cf.environment)
	if !store.ValidEnvironment(env) {
		return store.Connection{}, fmt.Errorf("unknown environment %q", cf.environment)
	}
	authType := store.AuthenticationType(cf.authType)
	switch authType {
	case store.AuthInteractive, store.AuthClientSecret, store.AuthUsernamePassword, store.AuthConnectionString:
	default:
		return store.Connection{}, fmt.Errorf("unknown authentication type %q", cf.authType)
	}
	return store.Connection{
		ID:                 uuid.NewString(),
		Name:               cf.name,
		URL:                cf.url,
		Environment:        env,
		AuthenticationType: authType,
		ClientID:           cf.clientID,
		ClientSecret:       cf.clientSecret,
		TenantID:           cf.tenantID,
		Username:           cf.username,
		Password:           cf.password,
	}, nil
}

func newConnectionAddCmd() *cobra.Command {
	var flags connectionFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			conn, err := flags.toConnection()
			if err != nil {
				return err
			}

			st, _, err := openStore(false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			if err := st.AddConnection(ctx, conn); err != nil {
				return err
			}
			return f.Success(fmt.Sprintf("Connection %q added", conn.Name), map[string]any{
				"id": conn.ID,
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newConnectionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			st, _, err := openStore(true)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			conns, err := st.ListConnections(ctx)
			if err != nil {
				return err
			}

			if f.jsonMode {
				type row struct {
					ID          string `json:"id"`
					Name        string `json:"name"`
					URL         string `json:"url"`
					Environment string `json:"environment"`
					AuthType    string `json:"authenticationType"`
				}
				rows := make([]row, 0, len(conns))
				for _, c := range conns {
					rows = append(rows, row{c.ID, c.Name, c.URL, string(c.Environment), string(c.AuthenticationType)})
				}
				return f.Print(rows)
			}

			if len(conns) == 0 {
				fmt.Println("No connections configured")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tENV\tAUTH")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.URL, c.Environment, c.AuthenticationType)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newConnectionRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <connection-id>",
		Short: "Remove a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			st, _, err := openStore(false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			if err := st.DeleteConnection(ctx, args[0]); err != nil {
				return err
			}
			return f.Success("Connection removed", map[string]any{"id": args[0]})
		},
	}
	return cmd
}

func newConnectionTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <connection-id>",
		Short: "Test a stored connection's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newOutputFormatter(cmd)
			st, _, err := openStore(true)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			conn, err := st.GetConnection(ctx, args[0])
			if err != nil {
				return err
			}

			bus := eventbus.New()
			defer bus.Shutdown()
			broker := auth.New(st, browser.New(), bus)

			result := broker.Test(ctx, conn)
			if !result.Success {
				msg := fault.ScrubMessage(result.Error)
				if f.jsonMode {
					return f.Print(map[string]any{"success": false, "error": msg})
				}
				return fmt.Errorf("connection test failed: %s", msg)
			}
			return f.Success(fmt.Sprintf("Connection %q is reachable", conn.Name), nil)
		},
	}
	return cmd
}
