package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the kera daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopDaemon()
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func stopDaemon() error {
	pidPath := getPIDFilePath()
	pid, running := isRunning(pidPath)
	if !running {
		fmt.Println("kera is not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, still := isRunning(pidPath); !still {
			fmt.Println("kera stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Graceful stop timed out.
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	os.Remove(pidPath)
	fmt.Println("kera killed after timeout")
	return nil
}
