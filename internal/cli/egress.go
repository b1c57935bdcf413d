package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/spf13/cobra"

	"github.com/sammck-go/socksrelay/internal/config"
	"github.com/sammck-go/socksrelay/internal/rlog"
	"github.com/sammck-go/socksrelay/pkg/egress"
	"github.com/sammck-go/socksrelay/pkg/peerconn/sshpeer"
)

var egressCmd = &cobra.Command{
	Use:   "egress",
	Short: "Run the dial-out egress side of the relay",
	RunE:  runEgress,
}

func runEgress(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("egress: --config is required")
	}

	log, err := rlog.New("socksrelay-egress", rlog.ParseLevel(logLevel))
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hostKey, err := sshpeer.GenerateHostKey()
	if err != nil {
		return fmt.Errorf("egress: failed to generate host key: %w", err)
	}
	log.ILogf("host key fingerprint: %s", sshpeer.FingerprintHostKey(hostKey.PublicKey()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	user, pass := splitAuth(cfg.Auth)
	sshConfig := sshpeer.ServerConfig{
		HostKey: hostKey,
		Users:   map[string]string{user: pass},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		peer, err := sshpeer.AcceptServer(ctx, log, w, r, sshConfig)
		if err != nil {
			log.WLogf("failed to accept peer connection: %s", err)
			return
		}
		e := egress.New(log, peer)
		log.ILogf("egress peer connected from %s", r.RemoteAddr)
		e.Run(ctx)
	})

	log.ILogf("egress listening on %s", cfg.ListenAddr)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: requestlog.Wrap(mux)}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
