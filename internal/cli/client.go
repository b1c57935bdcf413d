package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammck-go/socksrelay/internal/config"
	"github.com/sammck-go/socksrelay/internal/rlog"
	"github.com/sammck-go/socksrelay/pkg/peerconn/sshpeer"
	"github.com/sammck-go/socksrelay/pkg/relay"
	"github.com/sammck-go/socksrelay/pkg/tcpserver"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the SOCKS5-facing client side of the relay",
	RunE:  runClient,
}

func runClient(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("client: --config is required")
	}

	log, err := rlog.New("socksrelay-client", rlog.ParseLevel(logLevel))
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(log, configPath)
	if err != nil {
		return err
	}
	defer watcher.Close()
	cfg := watcher.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	srv := tcpserver.New(log, cfg.Listen, cfg.MaxConnections)
	go watchMaxConnections(ctx, watcher, srv)

	user, pass := splitAuth(cfg.Auth)
	peer, err := sshpeer.DialClient(ctx, log, cfg.PeerURL, user, pass)
	if err != nil {
		return fmt.Errorf("client: failed to connect to peer: %w", err)
	}

	r := relay.New(log, srv, peer)
	go func() {
		<-r.OnceReadyDone()
		log.ILogf("relay %s ready, accepting SOCKS5 connections on %s", r.InstanceID(), r.ConnectionInfo())
	}()
	return r.Run(ctx)
}

// watchMaxConnections polls the config watcher's current value onto the
// running TcpServer, so a config edit can raise or lower the admission
// bound without restarting the relay.
func watchMaxConnections(ctx context.Context, watcher *config.Watcher, srv *tcpserver.TcpServer) {
	last := watcher.Current().MaxConnections
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := watcher.Current().MaxConnections; n != last {
				last = n
				srv.SetMaxConnections(n)
			}
		}
	}
}

func splitAuth(auth string) (user, pass string) {
	parts := strings.SplitN(auth, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
