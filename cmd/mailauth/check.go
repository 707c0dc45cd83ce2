package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/internal/logging"
)

var (
	checkDomain     string
	checkIP         string
	checkMailFrom   string
	checkHelo       string
	checkMessage    string
	checkOutput     string
	checkAuthservID string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate SPF, DKIM and DMARC for one message",
	Long: `Evaluates the sending IP against the SPF policy of the domain, verifies
the DKIM signatures of the message and applies the DMARC policy of the
header From domain.

Without --message only SPF and DMARC are evaluated.`,
	Example: `  # SPF and DMARC only
  mailauth check --domain example.com --ip 192.0.2.1

  # full evaluation of a stored message, as JSON
  mailauth check --domain example.com --ip 192.0.2.1 --message msg.eml --output json

  # message from stdin
  cat msg.eml | mailauth check --domain example.com --ip 192.0.2.1 --message -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := mailauth.Request{
			Domain:   checkDomain,
			SenderIP: checkIP,
			MailFrom: checkMailFrom,
			Helo:     checkHelo,
		}
		if checkMessage != "" {
			msg, err := readMessage(cmd.InOrStdin(), checkMessage)
			if err != nil {
				return err
			}
			req.Message = msg
		}

		engine, err := mailauth.New(cfg.Engine(),
			mailauth.WithLogger(logging.Slog(log.With().Str("component", "engine").Logger())))
		if err != nil {
			return fmt.Errorf("creating engine: %w", err)
		}

		res, err := engine.Evaluate(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), res, checkOutput, checkAuthservID)
	},
}

func readMessage(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		msg, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading message from stdin: %w", err)
		}
		return msg, nil
	}
	msg, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return msg, nil
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkDomain, "domain", "d", "", "Domain to check SPF for (MAIL FROM or HELO domain)")
	checkCmd.Flags().StringVarP(&checkIP, "ip", "i", "", "IP address of the sending host")
	checkCmd.Flags().StringVar(&checkMailFrom, "mail-from", "", "MAIL FROM address (optional)")
	checkCmd.Flags().StringVar(&checkHelo, "helo", "", "HELO/EHLO name (optional)")
	checkCmd.Flags().StringVarP(&checkMessage, "message", "m", "", "Raw message file, - for stdin (optional)")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", OutputText, "Output format (text, json, msgpack)")
	checkCmd.Flags().StringVar(&checkAuthservID, "authserv-id", "", "Print an Authentication-Results header with this authserv-id")

	_ = checkCmd.MarkFlagRequired("domain")
	_ = checkCmd.MarkFlagRequired("ip")
}
