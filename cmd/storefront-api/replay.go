package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newReplayWebhookCommand signs a captured event with the configured webhook
// secret and posts it to a running instance.
func newReplayWebhookCommand() *cobra.Command {
	var (
		eventFile string
		targetURL string
	)
	cmd := &cobra.Command{
		Use:   "replay-webhook",
		Short: "Sign and deliver a captured Stripe event to a local endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("stripe.webhook_secret")
			if secret == "" {
				return fmt.Errorf("stripe.webhook_secret is required")
			}
			payload, err := os.ReadFile(eventFile)
			if err != nil {
				return err
			}

			request, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, targetURL, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			request.Header.Set("Content-Type", "application/json")
			request.Header.Set("Stripe-Signature", payments.SignWebhookPayload(payload, secret, time.Now()))

			client := &http.Client{Timeout: 30 * time.Second}
			response, err := client.Do(request)
			if err != nil {
				return err
			}
			defer response.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(response.Body, 1<<16))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", response.Status, bytes.TrimSpace(body))
			if response.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("webhook rejected with status %d", response.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventFile, "file", "", "Path to the captured event JSON")
	cmd.Flags().StringVar(&targetURL, "url", "http://localhost:8080/api/webhooks/stripe", "Webhook endpoint URL")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
