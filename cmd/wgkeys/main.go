// Command wgkeys generates and derives WireGuard key pairs, mirroring the
// genkey/pubkey helpers the original implementation exposed directly to
// its embedding application.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/sbromt/mitmproxy-go/internal/wireguard/keys"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "wgkeys",
		Short: "Generate and derive WireGuard Curve25519 key pairs",
	}

	root.AddCommand(genKeyCmd(), pubKeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new private key and print it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, _, err := keys.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), priv)
			return nil
		},
	}
}

func pubKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Read a private key from stdin and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := readLine(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading private key: %w", err)
			}
			pub, err := keys.PublicKeyFromPrivate(priv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pub)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return scanner.Text(), nil
}
