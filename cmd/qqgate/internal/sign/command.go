package sign

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/qqgate/pkg/signature"
)

// NewSignCommand answers a callback validation handshake offline, or signs a
// callback body the way the platform would. Useful for testing a deployed
// webhook endpoint with curl.
func NewSignCommand() *cobra.Command {
	var (
		secret     string
		eventTS    string
		plainToken string
		body       string
		timestamp  string
	)

	cmd := &cobra.Command{
		Use:     "sign",
		Short:   "Sign a webhook validation handshake or callback body",
		Example: "qqgate sign --secret s3cr3t --event-ts 123 --plain-token abc",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("QQGATE_CHANNELS_QQ_APP_SECRET")
			}
			signer, err := signature.NewSigner(secret)
			if err != nil {
				return err
			}

			var out any
			switch {
			case body != "":
				if timestamp == "" {
					timestamp = strconv.FormatInt(time.Now().Unix(), 10)
				}
				h := http.Header{}
				signer.SignRequest(h, timestamp, []byte(body))
				out = map[string]string{
					signature.HeaderSignature: h.Get(signature.HeaderSignature),
					signature.HeaderTimestamp: h.Get(signature.HeaderTimestamp),
					"public_key":              hex.EncodeToString(signer.PublicKey()),
				}
			case eventTS != "" && plainToken != "":
				out = map[string]string{
					"plain_token": plainToken,
					"signature":   signer.SignValidation(eventTS, plainToken),
					"public_key":  hex.EncodeToString(signer.PublicKey()),
				}
			default:
				return errors.New("either --body or both --event-ts and --plain-token are required")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "App secret (default $QQGATE_CHANNELS_QQ_APP_SECRET)")
	cmd.Flags().StringVar(&eventTS, "event-ts", "", "event_ts from the validation request")
	cmd.Flags().StringVar(&plainToken, "plain-token", "", "plain_token from the validation request")
	cmd.Flags().StringVar(&body, "body", "", "Callback body to sign")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "Signature timestamp (default now)")

	return cmd
}
