package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/VirgilSecurity/trust-provisioner/pkg/console"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/trustlist"
)

var (
	// trustlist flags
	trustedKeys []string
)

var trustListCmd = &cobra.Command{
	Use:   "trustlist",
	Short: "TrustList utilities",
}

var trustListInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a TrustList and verify its signatures",
	Long: `Decode a TrustList file offline and verify every footer signature.

The format comes from --format or the config file. With --trusted, every
signer must be one of the given public keys.

Examples:
  trust-provisioner trustlist inspect TrustList_1a2b.tl
  trust-provisioner trustlist inspect --format legacy --trusted 0x04ab... TrustList_1a2b.tl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		f, err := trustlist.ParseFormat(cfg.Main.TrustListFormat)
		if err != nil {
			return err
		}
		codec, err := trustlist.NewCodec(f)
		if err != nil {
			return err
		}

		var trusted [][]byte
		for _, s := range trustedKeys {
			pub, err := decodeHex(s)
			if err != nil {
				return fmt.Errorf("invalid trusted key %q: %w", s, err)
			}
			trusted = append(trusted, pub)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read trust list: %w", err)
		}
		tl, err := trustlist.Verify(codec, data, trusted)
		if err != nil {
			return fmt.Errorf("trust list %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "File:      %s\n", args[0])
		fmt.Fprintf(out, "Format:    %s\n", codec.Format())
		fmt.Fprintf(out, "Type:      %s\n", tl.Type)
		fmt.Fprintf(out, "Version:   %s\n", tl.Version)
		if tl.Version.Timestamp != 0 {
			fmt.Fprintf(out, "Timestamp: %s\n", keys.FromTimestamp(tl.Version.Timestamp).Format("2006-01-02 15:04:05 UTC"))
		}

		rows := make([][]string, len(tl.Keys))
		for i, e := range tl.Keys {
			rows[i] = []string{
				e.KeyType.String(),
				e.KeyID().String(),
				e.ECType.String(),
				keys.FormatTimestamp(e.StartDate),
				keys.FormatTimestamp(e.ExpirationDate),
				string(e.MetaData),
			}
		}
		p := console.New(os.Stdin, out, cmd.ErrOrStderr())
		p.Table("Keys", []string{"TYPE", "KEY ID", "EC TYPE", "START", "EXPIRATION", "META"}, rows)

		sigRows := make([][]string, len(tl.Signatures))
		for i, s := range tl.Signatures {
			sigRows[i] = []string{
				s.SignerType.String(),
				keys.ComputeKeyID(s.PublicKey).String(),
				s.ECType.String(),
				s.HashType.String(),
			}
		}
		p.Table("Signatures (valid)", []string{"SIGNER", "KEY ID", "EC TYPE", "HASH"}, sigRows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trustListCmd)
	trustListCmd.AddCommand(trustListInspectCmd)

	trustListInspectCmd.Flags().StringSliceVar(&trustedKeys, "trusted", nil, "Trusted signer public key in hex (repeatable)")
}
