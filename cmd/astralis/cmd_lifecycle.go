package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const pidFileName = "astralis.pid"

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// runningDaemon returns the daemon process named by the PID file after
// probing it with signal 0.
func runningDaemon() (*os.Process, error) {
	cfg := loadConfig()
	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no running daemon (PID file not found)")
		}
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return proc, nil
}

func signalDaemon(sig syscall.Signal, verb string) error {
	proc, err := runningDaemon()
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("send %v: %w", sig, err)
	}
	fmt.Fprintf(os.Stdout, "Sent %v to daemon (PID %d) to %s.\n", sig, proc.Pid, verb)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGTERM, "stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Re-exec the running daemon with a fresh config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "restart")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := runningDaemon()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Daemon running (PID %d).\n", proc.Pid)
		return nil
	},
}
