package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/edgelens/edgelens"
)

func newPromptCmd(e *env) *cobra.Command {
	var gatewayFlag string

	cmd := &cobra.Command{
		Use:   "prompt <text>",
		Short: "Retarget the detector",
		Long: `Send a new detection prompt through the gateway to the inference worker.
The worker applies it from the next captured frame on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.load()
			if err != nil {
				return err
			}
			base := gatewayFlag
			if base == "" {
				base = gatewayURL(cfg)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			payload, err := json.Marshal(map[string]string{"prompt": args[0]})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, "POST", base+"/prompt", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("gateway %s: %w", base, err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if apiErr := edgelens.ParseAPIError(resp, body); apiErr != nil {
				return fmt.Errorf("set prompt: %w", apiErr)
			}

			var applied struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(body, &applied); err != nil || applied.Prompt == "" {
				applied.Prompt = args[0]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prompt set: %q\n", applied.Prompt)
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayFlag, "gateway", "", "gateway base URL (derived from config when empty)")
	return cmd
}
