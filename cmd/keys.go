package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/VirgilSecurity/trust-provisioner/pkg/console"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keystore"
)

var (
	// keys flags
	keyTypeName string
	keyIDArg    string
	keyFormat   string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect the key store",
	Long: `Read-only access to the key store under <storage_path>/db.

Subcommands:
  list    List public keys
  export  Print the private key of a software key`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List public keys",
	Long: `List the public keys of the key store.

Examples:
  trust-provisioner keys list
  trust-provisioner keys list --type factory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(console.Stdio())
		if err != nil {
			return err
		}
		defer s.Close()

		var recs []*keys.Record
		if keyTypeName == "" {
			recs, err = s.store.AllPublic()
		} else {
			kt, perr := keys.ParseKeyType(keyTypeName)
			if perr != nil {
				return perr
			}
			recs, err = s.store.PublicRecords(kt)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No keys found.")
			return nil
		}
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Type < recs[j].Type })

		rows := make([][]string, len(recs))
		for i, rec := range recs {
			rows[i] = []string{
				rec.Type.String(),
				rec.ID.String(),
				rec.ECType.String(),
				keys.FormatTimestamp(rec.StartDate),
				keys.FormatTimestamp(rec.ExpirationDate),
				rec.Comment,
			}
		}
		console.New(os.Stdin, out, cmd.ErrOrStderr()).Table("", []string{"TYPE", "KEY ID", "EC TYPE", "START", "EXPIRATION", "COMMENT"}, rows)
		return nil
	},
}

var keysExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the private key of a software key",
	Long: `Print the private key of a software-generated key.

Keys generated on dongles or a Ledger have no private key in the store.

Examples:
  trust-provisioner keys export --type factory --id 4213
  trust-provisioner keys export --type recovery --id 4213 --encoding base64`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyTypeName == "" || keyIDArg == "" {
			return fmt.Errorf("--type and --id are required")
		}
		kt, err := keys.ParseKeyType(keyTypeName)
		if err != nil {
			return err
		}
		id, err := keys.ParseKeyID(keyIDArg)
		if err != nil {
			return err
		}

		s, err := openSession(console.Stdio())
		if err != nil {
			return err
		}
		defer s.Close()

		rec, err := s.store.PrivateRecord(kt, id)
		if err != nil {
			return err
		}
		if len(rec.PrivateKey) == 0 {
			return fmt.Errorf("%s %s is held by a hardware token (%s)", kt.DisplayName(), id, rec.DeviceSerial)
		}
		encoded, err := keystore.EncodePrivateKey(rec.PrivateKey, keyFormat)
		clearBytes(rec.PrivateKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), encoded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysExportCmd)

	keysListCmd.Flags().StringVar(&keyTypeName, "type", "", "Only list keys of this type (recovery, auth, tl, firmware, factory, ...)")

	keysExportCmd.Flags().StringVar(&keyTypeName, "type", "", "Key type (required)")
	keysExportCmd.Flags().StringVar(&keyIDArg, "id", "", "Key id as shown by keys list (required)")
	keysExportCmd.Flags().StringVar(&keyFormat, "encoding", "hex", "Output encoding: hex, base64 or cb58")
}
