package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder-b/kernelbook/internal/transport"
)

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage kernel sessions",
	}
	session.AddCommand(sessionListCmd(), sessionCloseCmd(), sessionSharedCmd())
	return session
}

func sessionListCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, and with --remote each server's live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			saved, err := a.store.ListSessions()
			if err != nil {
				return err
			}
			if len(saved) == 0 {
				fmt.Println("no saved sessions")
			}
			for _, s := range saved {
				name := s.Name
				if name == "" {
					name = "-"
				}
				fmt.Printf("%-38s %-16s %-22s %s\n", s.ID, name, s.ServerKey, s.KernelName)
			}
			if !remote {
				return nil
			}

			for _, srv := range a.registry.List() {
				client := transport.NewClient(srv.BaseURL(), srv.Token, a.cfg.Execution.RequestTimeout)
				live, err := client.ListSessions(cmd.Context())
				if err != nil {
					fmt.Printf("%s: %v\n", srv.Key(), err)
					continue
				}
				for _, s := range live {
					fmt.Printf("%-38s %-16s %-22s %s\n", s.ID, s.Name, srv.Key(), s.Kernel.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Also query each registered server for its live sessions")
	return cmd
}

func sessionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			a.sessions.CloseSession(args[0])
			if err := a.store.DeleteSession(args[0]); err != nil {
				return err
			}
			fmt.Printf("closed %s\n", args[0])
			return nil
		},
	}
}

func sessionSharedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shared <on|off>",
		Short: "Toggle shared-session mode (all cells share one kernel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			switch args[0] {
			case "on":
				return a.sessions.SetSharedMode(true)
			case "off":
				return a.sessions.SetSharedMode(false)
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
		},
	}
}
