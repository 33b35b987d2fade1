package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	skipConfirm bool
	verbose     bool
	backendName string
	appToken    string // Overrides virgil.app_token and TRUST_PROVISIONER_APP_TOKEN
	factoryInfo string // JSON literal or path to a JSON file
	listFormat  string // Overrides main.trust_list_format
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "trust-provisioner",
	Short:         "IoT PKI key ceremony",
	SilenceErrors: true,
	SilenceUsage:  true,
	Long: `Guided key ceremony for an IoT PKI: generates the Recovery, Auth,
TrustList Service, Firmware and Factory keys, registers their cards and
builds the signed TrustList devices validate firmware and peers with.

Running without a subcommand starts the interactive ceremony.

Example usage:
  trust-provisioner --backend dongle -t <app token>
  trust-provisioner run --backend software --format legacy
  trust-provisioner keys list
  trust-provisioner trustlist inspect TrustList_1a2b.tl

Environment Variables:
  TRUST_PROVISIONER_APP_TOKEN         Card service app token (same as --app-token)
  TRUST_PROVISIONER_STORAGE_PASSWORD  Key store password (prompted for when unset)
  TRUST_PROVISIONER_API_URL           Card service base URL`,
	RunE: runCeremony,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.trust-provisioner/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&skipConfirm, "skip-confirm", "y", false, "Answer yes to confirmations and pick signers at random")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to the console")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", backendSoftware, "Key backend: software, dongle, dongle-emulator or ledger")
	rootCmd.PersistentFlags().StringVarP(&appToken, "app-token", "t", "", "Card service app token (cards are not registered without one)")
	rootCmd.PersistentFlags().StringVarP(&factoryInfo, "factory-info", "i", "", "Factory info attached to Factory key cards: JSON or a path to a JSON file")
	rootCmd.PersistentFlags().StringVar(&listFormat, "format", "", "TrustList format: legacy or structured (overrides the config file)")
}

// getOperationContext returns a context cancelled on SIGINT/SIGTERM.
// The returned cancel function must be called to release resources.
func getOperationContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nOperation cancelled by user")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
