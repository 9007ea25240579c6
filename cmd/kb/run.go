package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/calder-b/kernelbook/internal/exec"
)

func kernelsCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "kernels <ip:port>",
		Short: "List available kernel specs on a server",
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
			specs, err := a.discovery.AvailableKernels(cmd.Context(), srv)
			if refresh {
				specs, err = a.discovery.Refresh(cmd.Context(), srv)
			}
			if err != nil {
				return err
			}
			for _, spec := range specs {
				fmt.Printf("%-20s %-24s %s\n", spec.Name, spec.DisplayName, spec.Language)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the kernelspec cache")
	return cmd
}

func runCmd() *cobra.Command {
	var serverFlag string
	var kernelFlag string

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a code file as a single cell and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			watchConfig(cmd.Context(), cmd)

			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			cellID := uuid.NewString()
			a.coordinator.AddCell(cellID, string(code), languageFor(args[0]))
			if serverFlag != "" || kernelFlag != "" {
				if err := a.coordinator.SetKernelPreference(cellID, serverFlag, kernelFlag); err != nil {
					return err
				}
			}

			done := make(chan exec.CellSnapshot, 1)
			var printed int
			a.coordinator.OnCellChange = func(snap exec.CellSnapshot) {
				if len(snap.Output) > printed {
					fmt.Print(snap.Output[printed:])
					printed = len(snap.Output)
				}
				if !snap.IsExecuting {
					select {
					case done <- snap:
					default:
					}
				}
			}

			if err := a.coordinator.ExecuteCell(cmd.Context(), cellID); err != nil {
				return err
			}

			select {
			case snap := <-done:
				if snap.HasError {
					return fmt.Errorf("%s", snap.Error)
				}
				return nil
			case <-cmd.Context().Done():
				a.coordinator.CancelExecution(cmd.Context(), cellID)
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().StringVar(&serverFlag, "server", "", "Server key (ip:port); defaults to the sole registered server")
	cmd.Flags().StringVar(&kernelFlag, "kernel", "", "Kernel spec name; defaults to the server default")
	return cmd
}

func languageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".r":
		return "r"
	case ".jl":
		return "julia"
	default:
		return ""
	}
}
