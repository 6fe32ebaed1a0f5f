package main

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-core/security"
)

func newKeygenCommand() *cobra.Command {
	var hmacOnly bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token signing secret and a token encryption key",
		Long: `Generate random base64 keys for signing.hmac-secret and
signing.encryption-key. Keep both secret; rotating the signing secret
invalidates every issued token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeKeys(cmd.OutOrStdout(), hmacOnly)
		},
	}
	cmd.Flags().BoolVar(&hmacOnly, "hmac-only", false, "print only the signing secret, without a label")
	return cmd
}

func writeKeys(w io.Writer, hmacOnly bool) error {
	secret, err := security.GenerateKey()
	if err != nil {
		return err
	}
	if hmacOnly {
		_, err = fmt.Fprintln(w, security.KeyToBase64(secret))
		return err
	}

	encKey, err := security.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "signing:\n  hmac-secret: %s\n  encryption-key: %s\n",
		security.KeyToBase64(secret), security.KeyToBase64(encKey))
	return err
}

// decodeBase64 accepts standard and URL-safe base64, padded or not
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 value")
}
