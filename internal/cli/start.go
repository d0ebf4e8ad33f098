package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/kera/internal/config"
	"github.com/harun/kera/internal/daemon"
	"github.com/harun/kera/internal/logger"
)

var interactive bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kera daemon",
	Long:  "Start the daemon in the foreground. Use --interactive to attach a stdin chat session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

func init() {
	startCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read chat messages from stdin")
	rootCmd.AddCommand(startCmd)
}

func runStart() error {
	pidPath := getPIDFilePath()
	if pid, running := isRunning(pidPath); running {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	appLogger, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.GetZerolog()

	dmn, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signals {
			switch sig {
			case syscall.SIGHUP:
				if err := dmn.ReloadPolicy(); err != nil {
					log.Error().Err(err).Msg("Policy reload failed")
				} else {
					log.Info().Msg("Policy reloaded")
				}
			default:
				log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
				cancel()
				return
			}
		}
	}()

	if interactive {
		go chatLoop(ctx, cancel, dmn)
	}

	return dmn.Run(ctx)
}

// chatLoop reads stdin lines and routes them through the CLI channel.
// An EOF or "/quit" stops the daemon.
func chatLoop(ctx context.Context, cancel context.CancelFunc, dmn *daemon.Daemon) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("kera ready. Type a message, /quit to exit.")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		reply, err := dmn.Chat(ctx, "cli", "local", line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if reply != nil {
			fmt.Println(reply.Text)
		}
	}
	cancel()
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kera.pid")
	}
	return filepath.Join(home, ".kera", "kera.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// isRunning reports whether the pidfile names a live process.
func isRunning(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
