package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/calder-b/kernelbook/internal/registry"
)

func serverCmd() *cobra.Command {
	server := &cobra.Command{
		Use:   "server",
		Short: "Manage registered Jupyter servers",
	}
	server.AddCommand(serverAddCmd(), serverRmCmd(), serverListCmd())
	return server
}

func serverAddCmd() *cobra.Command {
	var tokenFlag string
	var nameFlag string

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a server by pasted URL (probed before acceptance)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := registry.ParseConnectionURL(args[0])
			if err != nil {
				return err
			}
			if tokenFlag != "" {
				srv.Token = tokenFlag
			}
			if srv.Token == "" {
				tok, err := promptToken()
				if err != nil {
					return err
				}
				srv.Token = tok
			}
			srv.Name = nameFlag

			if err := a.registry.AddServer(cmd.Context(), srv); err != nil {
				return err
			}
			fmt.Printf("added %s\n", srv.Key())
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFlag, "token", "", "API token (prompted if omitted and not in the URL)")
	cmd.Flags().StringVar(&nameFlag, "name", "", "Display name")
	return cmd
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "token: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return string(b), nil
}

func serverRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <ip:port>",
		Short: "Remove a server (cached specs dropped, bound sessions disconnected)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			srv, ok := a.registry.Get(args[0])
			if !ok {
				return fmt.Errorf("no server %s", args[0])
			}
			if err := a.registry.RemoveServer(srv); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", srv.Key())
			return nil
		},
	}
}

func serverListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered servers with connectivity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			servers := a.registry.List()
			if len(servers) == 0 {
				fmt.Println("no servers registered")
				return nil
			}
			for _, s := range servers {
				res := a.discovery.TestConnection(cmd.Context(), s)
				name := s.Name
				if name == "" {
					name = "-"
				}
				fmt.Printf("%-22s %-16s %s\n", s.Key(), name, res.Status)
			}
			return nil
		},
	}
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <url>",
		Short: "Show how a pasted connection URL is interpreted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := registry.ParseConnectionURL(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ip:    %s\nport:  %s\ntoken: %s\n", srv.IP, srv.Port, srv.Token)
			return nil
		},
	}
}
