// Command proxy runs the yatangaki HTTPS-intercepting proxy workbench.
//
// It owns a locally generated certificate authority, mints per-host
// leaf certificates on demand, forwards intercepted traffic upstream,
// and logs every request/response pair to a per-project SQLite
// database. Proxy lifecycle, project management, and log inspection
// are all driven through the management HTTP API; this binary just
// wires the collaborators together and bootstraps the default proxy.
//
// Usage:
//
//	# Start with defaults (~/.yatangaki, proxy on 8080, management on 8081)
//	./proxy
//
//	# Custom ports and base directory
//	PROXY_PORT=3128 MANAGEMENT_PORT=3129 YATANGAKI_BASE_DIR=/srv/yatangaki ./proxy
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yatangaki/internal/config"
	"yatangaki/internal/configstore"
	"yatangaki/internal/logger"
	"yatangaki/internal/logstore"
	"yatangaki/internal/management"
	"yatangaki/internal/metrics"
	"yatangaki/internal/tlsca"
)

// defaultProxyID is the stable identifier of the proxy bootstrapped
// from PROXY_PORT when the config store has no rows yet.
const defaultProxyID = 1

func main() {
	cfg := config.Load()
	printBanner(cfg)

	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		log := logger.New("MAIN", cfg.LogLevel)
		log.Fatalf("base_dir", "create %s: %v", cfg.BaseDir, err)
	}

	caLog := logger.New("TLSCA", cfg.LogLevel)
	ca, err := tlsca.LoadOrGenerateCA(cfg.CACertFile(), cfg.CAKeyFile(), caLog)
	if err != nil {
		caLog.Fatalf("init", "%v", err)
	}

	ctx := context.Background()

	storeLog := logger.New("CONFIGSTORE", cfg.LogLevel)
	store, err := configstore.Open(ctx, cfg.BaseDir, storeLog)
	if err != nil {
		storeLog.Fatalf("open", "%v", err)
	}
	defer store.Close() //nolint:errcheck // best-effort on process exit

	logsLog := logger.New("LOGSTORE", cfg.LogLevel)
	logs := logstore.New(logsLog)
	if err := store.CreateProject(ctx, cfg.DefaultProject); err != nil {
		logsLog.Fatalf("create_project", "%v", err)
	}
	if err := logs.SelectProject(ctx, cfg.BaseDir, cfg.DefaultProject); err != nil {
		logsLog.Fatalf("select_project", "%v", err)
	}
	defer logs.Close() //nolint:errcheck // best-effort on process exit

	m := metrics.New()

	if err := ensureDefaultProxy(ctx, store, cfg); err != nil {
		storeLog.Fatalf("ensure_default_proxy", "%v", err)
	}

	mgmtLog := logger.New("MANAGEMENT", cfg.LogLevel)
	mgmt := management.New(cfg, store, logs, m, ca, mgmtLog)
	if err := mgmt.Bootstrap(ctx); err != nil {
		mgmtLog.Fatalf("bootstrap", "%v", err)
	}
	defer mgmt.Close()

	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			mgmtLog.Fatalf("listen", "%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	mgmtLog.Info("shutdown", "signal received, stopping proxies")
	mgmt.Close()
	time.Sleep(200 * time.Millisecond) // give in-flight requests a moment to finish
}

// ensureDefaultProxy seeds a proxy row from PROXY_PORT the first time
// the installation runs, so there is always something for Bootstrap to
// spawn a controller for.
func ensureDefaultProxy(ctx context.Context, store *configstore.Store, cfg *config.Config) error {
	rows, err := store.ListProxies(ctx)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	return store.SaveProxy(ctx, configstore.Proxy{
		ProxyID:   defaultProxyID,
		Port:      cfg.ProxyPort,
		AutoStart: true,
	})
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║             yatangaki proxy workbench                ║
╚══════════════════════════════════════════════════════╝
  Base dir        : %s
  Proxy port      : %d
  Management port : %d
  Default project : %s

  Install the CA once your browser needs to trust it:
    %s

  Check status:
    curl http://%s:%d/status
`, cfg.BaseDir, cfg.ProxyPort, cfg.ManagementPort, cfg.DefaultProject,
		cfg.CACertFile(), cfg.BindAddress, cfg.ManagementPort)
}
