package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	slimmer "github.com/cilium/slimmer"
)

var root = &cobra.Command{
	Use: "slimmer",
	// TODO pimp output
}

func main() {
	root.AddCommand(printBugCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var flagLogPath string

func printBugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print-bug <slimmer-info-dir> <compiler-trace> <syscall-trace>",
		Short: "Find instructions that two execution traces prove are unneeded, and print the clusters of bugs they form",
		Args:  cobra.ExactArgs(3),
		RunE:  printBug,
	}

	cmd.Flags().StringVar(&flagLogPath, "log", "", "Path for ultra-verbose log output")

	return cmd
}

func printBug(cmd *cobra.Command, args []string) error {
	infoDir, compilerTrace, syscallTrace := args[0], args[1], args[2]

	var logWriter io.Writer
	if flagLogPath != "" {
		logFile, err := os.Create(flagLogPath)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()

		logBuf := bufio.NewWriter(logFile)
		defer logBuf.Flush()

		logWriter = logBuf
	}

	if err := slimmer.PrintBug(os.Stdout, infoDir, compilerTrace, syscallTrace, logWriter); err != nil {
		return fmt.Errorf("print-bug: %w", err)
	}

	return nil
}
