package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/costguard/ledger/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard HTTP API",
	Long: `Serve the read views (/scan, /decisions, /repos) and the /submit
endpoint the CostGuard agent posts to. Every route is also served under /api.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.ListenAddr
	if flag, _ := cmd.Flags().GetString("addr"); flag != "" {
		addr = flag
	}

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := api.NewServer(api.Config{Addr: addr, APIKey: cfg.Ingest.APIKey}, svc.query, svc.ingest, log.WithField("component", "api"))
	log.WithFields(logrus.Fields{
		"backend": cfg.Store.Backend,
		"legacy":  cfg.Legacy.Dir,
		"auth":    cfg.Ingest.APIKey != "",
	}).Info("ledger api configured")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
