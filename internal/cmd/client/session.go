package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// NewSessionCommand constructs the `session` command group and subcommands.
func NewSessionCommand(baseURL BaseURLFunc) *cobra.Command {
	sessionCmd := &cobra.Command{Use: "session", Short: "Streaming session operations"}

	sessionCmd.AddCommand(
		newSessionStartCommand(baseURL),
		newSessionObserveCommand(baseURL),
		newSessionFinalizeCommand(baseURL),
		newSessionAbortCommand(baseURL),
		newSessionGetCommand(baseURL),
	)

	return sessionCmd
}

// newSessionStartCommand constructs the `session start` subcommand.
func newSessionStartCommand(baseURL BaseURLFunc) *cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a streaming session and print SSE frames",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			model, _ := cmd.Flags().GetString("model")
			system, _ := cmd.Flags().GetString("system")
			prompt, _ := cmd.Flags().GetString("prompt")
			estTokens, _ := cmd.Flags().GetInt64("estimated-tokens")
			maxTokens, _ := cmd.Flags().GetInt64("max-tokens")

			body, err := json.Marshal(map[string]any{
				"ownerId":         owner,
				"modelId":         model,
				"system":          system,
				"prompt":          prompt,
				"estimatedTokens": estTokens,
				"maxTokens":       maxTokens,
			})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				baseURL()+"/v1/sessions/start", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return decodeError(resp)
			}
			defer func() { _ = resp.Body.Close() }()

			// The token is needed to finalize; keep it off stdout so frame
			// output stays machine-readable.
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\ntoken: %s\n",
				resp.Header.Get("X-Session-Id"), resp.Header.Get("X-Stream-Token"))

			enc := json.NewEncoder(cmd.OutOrStdout())
			return readSSE(resp.Body, func(f sseFrame) error {
				return enc.Encode(f)
			})
		},
	}
	startCmd.Flags().String("owner", "", "Owner account id")
	startCmd.Flags().String("model", "", "Model id (falls back to the server default if unknown)")
	startCmd.Flags().String("system", "", "System prompt")
	startCmd.Flags().String("prompt", "", "User prompt")
	startCmd.Flags().Int64("estimated-tokens", 0, "Estimated response tokens (0 = server estimates)")
	startCmd.Flags().Int64("max-tokens", 0, "Cap on generated tokens (0 = provider default)")
	return startCmd
}

// newSessionObserveCommand constructs the `session observe` subcommand.
func newSessionObserveCommand(baseURL BaseURLFunc) *cobra.Command {
	observeCmd := &cobra.Command{
		Use:   "observe",
		Short: "Attach to a session as a read-only observer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			observerID, _ := cmd.Flags().GetString("observer")
			filter, _ := cmd.Flags().GetString("filter")

			q := url.Values{}
			q.Set("session", sessionID)
			if observerID != "" {
				q.Set("observer", observerID)
			}
			if filter != "" {
				q.Set("filter", filter)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				baseURL()+"/v1/sessions/observe?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return decodeError(resp)
			}
			defer func() { _ = resp.Body.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return readSSE(resp.Body, func(f sseFrame) error {
				return enc.Encode(f)
			})
		},
	}
	observeCmd.Flags().String("session", "", "Session id")
	observeCmd.Flags().String("observer", "", "Observer id (default: server-assigned)")
	observeCmd.Flags().String("filter", "", "CEL filter, e.g. kind == \"chunk\" && token_delta > 0")
	return observeCmd
}

// newSessionFinalizeCommand constructs the `session finalize` subcommand.
func newSessionFinalizeCommand(baseURL BaseURLFunc) *cobra.Command {
	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "Settle a session against the credit ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			token, _ := cmd.Flags().GetString("token")
			tokens, _ := cmd.Flags().GetInt64("tokens")
			aborted, _ := cmd.Flags().GetBool("aborted")

			var out map[string]any
			err := postJSON(cmd.Context(), baseURL()+"/v1/sessions/finalize", map[string]any{
				"sessionId":        sessionID,
				"correlationToken": token,
				"actualTokens":     tokens,
				"aborted":          aborted,
			}, &out)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	finalizeCmd.Flags().String("session", "", "Session id")
	finalizeCmd.Flags().String("token", "", "Correlation token from stream start")
	finalizeCmd.Flags().Int64("tokens", 0, "Actual generated tokens counted by the client (0 = server count)")
	finalizeCmd.Flags().Bool("aborted", false, "Record the session as aborted")
	return finalizeCmd
}

// newSessionAbortCommand constructs the `session abort` subcommand.
func newSessionAbortCommand(baseURL BaseURLFunc) *cobra.Command {
	abortCmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			token, _ := cmd.Flags().GetString("token")

			err := postJSON(cmd.Context(), baseURL()+"/v1/sessions/abort", map[string]any{
				"sessionId":        sessionID,
				"correlationToken": token,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			return nil
		},
	}
	abortCmd.Flags().String("session", "", "Session id")
	abortCmd.Flags().String("token", "", "Correlation token from stream start")
	return abortCmd
}

// newSessionGetCommand constructs the `session get` subcommand.
func newSessionGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a session record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, _ := cmd.Flags().GetString("session")

			var out map[string]any
			err := getJSON(cmd.Context(), baseURL()+"/v1/sessions/get?session="+url.QueryEscape(sessionID), &out)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	getCmd.Flags().String("session", "", "Session id")
	return getCmd
}
