package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidPath := getPIDFilePath()
		pid, running := isRunning(pidPath)
		if !running {
			fmt.Println("kera is not running")
			return nil
		}
		fmt.Printf("kera is running (PID %d)\n", pid)
		if info, err := os.Stat(pidPath); err == nil {
			fmt.Printf("uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
