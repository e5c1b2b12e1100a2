package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/danmuck/exchange/internal/identity"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// KeyPair is a generated client credential.
type KeyPair struct {
	Subject     string
	PublicKey   string
	PrivateKey  string
	Fingerprint string
}

func generateKey(subject string, rnd io.Reader) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return KeyPair{}, err
	}
	id, err := identity.FromPublicKey(subject, pub)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Subject:     id.Subject,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		PrivateKey:  base64.StdEncoding.EncodeToString(priv.Seed()),
		Fingerprint: id.Fingerprint,
	}, nil
}

func printKey(w io.Writer, kp KeyPair, showPrivate bool) {
	label := color.New(color.FgCyan, color.Bold).SprintFunc()
	if kp.Subject != "" {
		fmt.Fprintf(w, "%s %s\n", label("subject:    "), kp.Subject)
	}
	fmt.Fprintf(w, "%s %s\n", label("public key: "), color.GreenString(kp.PublicKey))
	fmt.Fprintf(w, "%s %s\n", label("fingerprint:"), kp.Fingerprint)
	if showPrivate {
		fmt.Fprintf(w, "%s %s\n", label("private key:"), color.YellowString(kp.PrivateKey))
		fmt.Fprintln(w, color.RedString("keep the private key secret; it signs message headers"))
	}
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage client ed25519 credentials",
	}

	var subject string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a client key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := generateKey(subject, rand.Reader)
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), kp, true)
			return nil
		},
	}
	generate.Flags().StringVar(&subject, "subject", "", "subject recorded with the identity")

	fingerprint := &cobra.Command{
		Use:   "fingerprint <public-key>",
		Short: "Print the fingerprint of a base64 public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			id, err := identity.FromPublicKey("", pub)
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), KeyPair{PublicKey: base64.StdEncoding.EncodeToString(pub), Fingerprint: id.Fingerprint}, false)
			return nil
		},
	}

	cmd.AddCommand(generate, fingerprint)
	return cmd
}
