// Package cli provides socksrelay's command framework, grounded on
// tunnox-net-tunnox-core/internal/client/cmd's cobra rootCmd + persistent
// flags + panic-recovering Execute().
package cli

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "socksrelay",
	Short: "Tunnels SOCKS5 client traffic over a peer-to-peer data channel transport",
	Long: `socksrelay relays SOCKS5 CONNECT traffic from local clients to a remote
egress host over a multiplexed peer connection, without either side needing a
directly routable address to the other.

  socksrelay client --config client.yaml   Run the client-facing relay
  socksrelay egress --config egress.yaml   Run the egress dial-out side`,
}

// Execute runs the root command, recovering from panics the way
// tunnox's rootCmd.Execute does.
func Execute() (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (required)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level: error, warning, info, debug, trace")

	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(egressCmd)
}
