package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/ghostnet/internal/config"
	"github.com/nmxmxh/ghostnet/internal/logging"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ghost-node",
	Short: "ghostnet node - addressless resonance-routed messaging",
	Long: `ghost-node runs a ghostnet participant.

Nodes have no addresses. Each one sits at a resonance coordinate (psi, rho,
omega); packets are addressed to a region of that space and open only for
receivers inside the sender's window. Decoy traffic hides real activity.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if logLevel != "" {
			l, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			cfg.Log.Level = l
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}

		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, text, json)")

	rootCmd.AddCommand(runCmd, sendCmd, paramsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseResonance reads "psi,rho,omega".
func parseResonance(s string) (resonance.State, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return resonance.State{}, fmt.Errorf("resonance %q: want psi,rho,omega", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return resonance.State{}, fmt.Errorf("resonance %q: %w", s, err)
		}
		v[i] = f
	}
	return resonance.New(v[0], v[1], v[2])
}
