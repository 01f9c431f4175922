package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/grantae/certinfo"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const dialTimeout = 5 * time.Second

func newEndpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "inspect a peer endpoint directly, bypassing the admin API",
	}
	cmd.AddCommand(newEndpointCertCommand())
	return cmd
}

func newEndpointCertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cert <host:port>",
		Short: "print the leaf TLS certificate an endpoint presents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]

			var spin *spinner.Spinner
			if isatty.IsTerminal(os.Stdout.Fd()) {
				spin = spinner.New(spinner.CharSets[9], 100*time.Millisecond)
				spin.Suffix = fmt.Sprintf(" connecting to %s", addr)
				spin.Start()
			}

			dialer := &net.Dialer{Timeout: dialTimeout}
			conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
			if spin != nil {
				spin.Stop()
			}
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer conn.Close()

			certs := conn.ConnectionState().PeerCertificates
			if len(certs) == 0 {
				return fmt.Errorf("%s presented no certificate", addr)
			}

			text, err := certinfo.CertificateText(certs[0])
			if err != nil {
				return fmt.Errorf("format certificate: %w", err)
			}
			fmt.Fprint(stdout, text)
			return nil
		},
	}
}
