package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/localrouter/gateway/pkg/accesslog"
	"github.com/localrouter/gateway/pkg/config"
	"github.com/localrouter/gateway/pkg/db"
	"github.com/localrouter/gateway/pkg/log"
	"github.com/localrouter/gateway/pkg/providers"
	"github.com/localrouter/gateway/pkg/telemetry"
	"github.com/localrouter/gateway/pkg/vault"
)

// Run builds a Gateway from opts and serves it until ctx is cancelled.
// An invalid configuration refuses startup with a readable reason.
func Run(ctx context.Context, opts Options) error {
	telemetry.Init()

	if opts.LogFilePath != "" {
		logFile, err := os.OpenFile(opts.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", opts.LogFilePath, err)
		}
		defer logFile.Close()
		log.SetLogWriter(io.MultiWriter(os.Stderr, logFile))
	}
	log.SetVerbose(opts.Verbose)

	configPath := opts.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.ConfigPath()
		if err != nil {
			return err
		}
	}

	cfg, configUpdates, stopWatcher, err := config.Watch(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = stopWatcher() }()

	vaultPath, err := config.VaultPath()
	if err != nil {
		return err
	}
	v, err := vault.Open(vaultPath)
	if err != nil {
		return err
	}

	logsDir, err := config.LogsDir()
	if err != nil {
		return err
	}
	access, err := accesslog.NewWriter(logsDir, opts.RetentionDays)
	if err != nil {
		return err
	}
	defer access.Close()

	dao, err := db.New()
	if err != nil {
		return fmt.Errorf("opening usage store: %w", err)
	}
	defer dao.Close()

	registry := providers.NewRegistry(cfg.Providers, v)

	g := New(opts, v, dao, access, registry)
	g.ApplyConfig(cfg)

	transportMode := opts.Transport
	if transportMode == "" {
		transportMode = "http"
	}
	telemetry.RecordGatewayStart(ctx, transportMode)
	go telemetry.PeriodicExport(ctx)
	go g.runSweepers(ctx)
	go func() {
		for fresh := range configUpdates {
			g.ApplyConfig(fresh)
		}
	}()

	defer g.backends.ShutdownAll()

	if transportMode == "stdio" {
		return g.ServeStdio(ctx, opts.StdioClient)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return err
	}

	server := &http.Server{Handler: g.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Logf("- Gateway listening on http://127.0.0.1:%d", opts.Port)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runSweepers drives every periodic maintenance task. None of them touch
// a request path synchronously; each catches its own failures and keeps
// ticking.
func (g *Gateway) runSweepers(ctx context.Context) {
	fast := time.NewTicker(5 * time.Second)
	defer fast.Stop()
	slow := time.NewTicker(time.Minute)
	defer slow.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			g.streamMux.SweepExpired()
		case <-slow.C:
			if n := g.sessions.SweepIdle(); n > 0 {
				log.Debugf("- swept %d idle sessions", n)
			}
			if n := g.authn.Tokens.SweepExpired(); n > 0 {
				log.Debugf("- swept %d expired tokens", n)
			}
			g.oauthMgr.SweepFinished(10 * time.Minute)
			g.usage.Aggregate()
			if m, ok := g.limiter.(interface{ SweepIdle(time.Duration) int }); ok {
				m.SweepIdle(time.Hour)
			}
		case <-daily.C:
			g.access.SweepExpired()
			if g.dao != nil {
				retention := g.RetentionDays
				if retention <= 0 {
					retention = accesslog.DefaultRetentionDays
				}
				cutoff := time.Now().UTC().AddDate(0, 0, -retention)
				if n, err := g.dao.DeleteGenerationsBefore(ctx, cutoff); err != nil {
					log.Logf("! generation retention sweep: %v", err)
				} else if n > 0 {
					log.Logf("- generation retention sweep removed %d records", n)
				}
			}
		}
	}
}
