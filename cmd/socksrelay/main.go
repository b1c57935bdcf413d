// Command socksrelay runs the client or egress side of the SOCKS5-over-peer
// relay. The command tree is grounded on
// tunnox-net-tunnox-core/internal/client/cmd's cobra rootCmd + PersistentFlags
// + subcommand layout, generalized from tunnox's many transport-specific
// tunnel subcommands down to this relay's two roles.
package main

import (
	"fmt"
	"os"

	"github.com/sammck-go/socksrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
