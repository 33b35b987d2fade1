package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/console"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive ceremony",
	Long: `Start the interactive key ceremony.

The backend is chosen once, at start, with --backend:
  software         keys are generated in process and kept in the key store
  dongle           keys live on hardware dongles driven by the dongle utility
  dongle-emulator  the dongle utility's emulator (dev or main mode)
  ledger           secp256k1 keys on a Ledger device (needs a ledger build)

Examples:
  trust-provisioner run --backend dongle -t <app token> -i factory.json
  trust-provisioner run -y --backend software`,
	RunE: runCeremony,
}

func runCeremony(_ *cobra.Command, _ []string) error {
	p := console.Stdio()
	s, err := openSession(p)
	if err != nil {
		return err
	}
	defer s.Close()

	o, err := s.newOrchestrator(p)
	if err != nil {
		s.logger.Error("failed to start ceremony", zap.Error(err))
		return err
	}

	state, err := o.State()
	if err != nil {
		return err
	}
	p.Print("Key hierarchy is %s", state)

	ctx, cancel := getOperationContext()
	defer cancel()
	return o.Run(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
