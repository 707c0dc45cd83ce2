package main

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/dkim"
)

var (
	genkeyType string
	genkeyBits int

	txtKey string

	signDomain string
	signKeys   []string
	signOutput string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "Generate DKIM keys and sign messages",
	Long: `Tools for preparing DKIM keys, DNS records and signed messages, for
example to build fixtures for "mailauth check".`,
}

var dkimGenkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a private key as PKCS#8 PEM",
	Example: `  mailauth dkim genkey > sel._domainkey.example.com.pem
  mailauth dkim genkey --type rsa --bits 2048`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := generateKey(genkeyType, genkeyBits)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(buf)
		return err
	},
}

var dkimTXTCmd = &cobra.Command{
	Use:   "txt",
	Short: "Print the DNS TXT record for a private key",
	Long: `Prints the key record to publish at <selector>._domainkey.<domain>. The
private key is read from --key, or from stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if txtKey != "" {
			f, err := os.Open(txtKey)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		key, err := parseKey(in)
		if err != nil {
			return err
		}
		txt, err := keyRecord(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), txt)
		return nil
	},
}

var dkimSignCmd = &cobra.Command{
	Use:   "sign [message]",
	Short: "Sign a message with one or more keys",
	Long: `Prepends one DKIM-Signature header per --key to the message and prints it.
The message is read from the file argument, or from stdin. The signing domain
defaults to the header From domain.`,
	Example: `  mailauth dkim sign --key sel:sel.pem --key ed:ed.pem msg.eml > signed.eml`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		msg, err := readMessage(cmd.InOrStdin(), path)
		if err != nil {
			return err
		}

		domain := signDomain
		if domain == "" {
			if domain = mailauth.HeaderFromDomain(msg); domain == "" {
				return errors.New("no --domain given and no From domain in message")
			}
		}
		signers, err := loadSigners(domain, signKeys)
		if err != nil {
			return err
		}
		headers, err := dkim.SignMultiple(msg, signers)
		if err != nil {
			return fmt.Errorf("signing message: %w", err)
		}
		w := cmd.OutOrStdout()
		if signOutput != "" {
			f, err := os.Create(signOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if _, err := io.WriteString(w, headers); err != nil {
			return err
		}
		_, err = w.Write(msg)
		return err
	},
}

func generateKey(keyType string, bits int) ([]byte, error) {
	var key crypto.Signer
	switch strings.ToLower(keyType) {
	case "ed25519", "":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		key = k
	case "rsa":
		if bits < dkim.DefaultMinRSAKeyBits {
			return nil, fmt.Errorf("rsa keys need at least %d bits", dkim.DefaultMinRSAKeyBits)
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		key = k
	default:
		return nil, fmt.Errorf("unknown key type %q (ed25519, rsa)", keyType)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parseKey(r io.Reader) (crypto.Signer, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	b, _ := pem.Decode(buf)
	if b == nil {
		return nil, errors.New("no PEM data in key")
	}
	k, err := x509.ParsePKCS8PrivateKey(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	switch k := k.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T, must be rsa or ed25519", k)
}

func keyRecord(key crypto.Signer) (string, error) {
	r := dkim.Record{Version: "DKIM1", Hashes: []string{"sha256"}, PublicKey: key.Public()}
	if _, ok := key.(ed25519.PrivateKey); ok {
		r.Key = "ed25519"
	}
	return r.ToTXT()
}

// loadSigners turns selector:path pairs into signers for domain.
func loadSigners(domain string, pairs []string) ([]dkim.Signer, error) {
	if len(pairs) == 0 {
		return nil, errors.New("at least one --key selector:path is required")
	}
	signers := make([]dkim.Signer, 0, len(pairs))
	for _, p := range pairs {
		selector, path, ok := strings.Cut(p, ":")
		if !ok || selector == "" || path == "" {
			return nil, fmt.Errorf("--key %q: want selector:path", p)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		signers = append(signers, dkim.Signer{Domain: domain, Selector: selector, PrivateKey: key})
	}
	return signers, nil
}

func init() {
	rootCmd.AddCommand(dkimCmd)
	dkimCmd.AddCommand(dkimGenkeyCmd, dkimTXTCmd, dkimSignCmd)

	dkimGenkeyCmd.Flags().StringVarP(&genkeyType, "type", "t", "ed25519", "Key type (ed25519, rsa)")
	dkimGenkeyCmd.Flags().IntVar(&genkeyBits, "bits", 2048, "RSA key size")

	dkimTXTCmd.Flags().StringVarP(&txtKey, "key", "k", "", "Private key file (default stdin)")

	dkimSignCmd.Flags().StringVarP(&signDomain, "domain", "d", "", "Signing domain (default: header From domain)")
	dkimSignCmd.Flags().StringArrayVarP(&signKeys, "key", "k", nil, "selector:path of a PKCS#8 PEM private key, repeatable")
	dkimSignCmd.Flags().StringVarP(&signOutput, "output", "o", "", "Write the signed message to this file")
}
