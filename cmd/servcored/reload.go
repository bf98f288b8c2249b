package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "signal a running servcored to re-read its configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(pidFile)
			if err != nil {
				return fmt.Errorf("reload: read pidfile %s: %w", pidFile, err)
			}
			pid, err := strconv.Atoi(string(trimNewline(data)))
			if err != nil {
				return fmt.Errorf("reload: bad pidfile contents: %w", err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGHUP); err != nil {
				return fmt.Errorf("reload: signal pid %d: %w", pid, err)
			}
			fmt.Printf("sent SIGHUP to pid %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", "/var/run/servcored.pid", "path to the running daemon's pidfile")
	return cmd
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
