package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the skein client.
// It registers the session and account command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "skein",
		Short: "Skein client commands",
	}
	root.AddCommand(NewSessionCommand(baseURL))
	root.AddCommand(NewAccountCommand(baseURL))
	return root
}
