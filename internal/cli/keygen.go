package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
)

// file naming convention - name.pem, name.pub.pem and name.pub.jwk
const (
	privateKeyFileNameFormat = "%s.pem"
	publicKeyFileNameFormat  = "%s.pub.pem"
	publicJWKFileNameFormat  = "%s.pub.jwk"
)

func newKeygenCmd() *cobra.Command {
	var (
		keySize   int
		outputDir string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for the holder credential",
		Long: `Generate an RSA key pair in PEM format, plus the public key as a JWK. The private key can be used as KSEF_AUTH_TOKEN to sign
authorisation challenges; the public key is registered with KSeF.

Example:
  ksefctl keygen --size 4096 --outputdir ./keys --name holder`,
		Args: cobra.NoArgs,
		// keygen needs no gateway configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateRSAKeyPair(keySize)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outputDir, 0o750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			privateFile := fmt.Sprintf(privateKeyFileNameFormat, name)
			publicFile := fmt.Sprintf(publicKeyFileNameFormat, name)
			jwkFile := fmt.Sprintf(publicJWKFileNameFormat, name)
			if err := crypto.SaveRSAPrivateKeyToPEMFile(key, outputDir, privateFile); err != nil {
				return err
			}
			if err := crypto.SaveRSAPublicKeyToPEMFile(&key.PublicKey, outputDir, publicFile); err != nil {
				return err
			}
			kid, err := crypto.SaveRSAPublicKeyToJWKFile(&key.PublicKey, outputDir, jwkFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private key: %s/%s\n", outputDir, privateFile)
			fmt.Fprintf(out, "public key:  %s/%s\n", outputDir, publicFile)
			fmt.Fprintf(out, "public JWK:  %s/%s (kid %s)\n", outputDir, jwkFile, kid)
			fmt.Fprintln(out, "keep the private key secret; it is written unencrypted")
			return nil
		},
	}

	cmd.Flags().IntVarP(&keySize, "size", "s", 4096, "RSA key size in bits (2048, 3072 or 4096)")
	cmd.Flags().StringVarP(&outputDir, "outputdir", "o", "./keys", "Output directory for generated keys")
	cmd.Flags().StringVarP(&name, "name", "n", "holder", "Base file name")
	return cmd
}
