// Command haguardd is the per-node HA agent daemon: it loads a configuration file,
// wires the DCS client, database controller and HA engine together, and runs the
// supervisor's tick loop until it receives a termination signal - at which point it
// releases leadership gracefully before exiting. The wiring style (flag parsing,
// signal handling, graceful HTTP shutdown) follows a conventional Go daemon entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"haguard/internal/config"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/events"
	"haguard/internal/executor"
	"haguard/internal/ha"
	"haguard/internal/journal"
	"haguard/internal/metrics"
	"haguard/internal/restapi"
	"haguard/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "/etc/haguard/haguard.yaml", "path to the configuration file")
	journalPath := flag.String("journal", "/var/lib/haguard/journal.jsonl", "path to the decision journal")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "haguardd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, *journalPath, log); err != nil {
		log.Fatal("haguardd: fatal error", zap.Error(err))
	}
}

func run(configPath, journalPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := dcs.NewEtcdClient(dcs.EtcdConfig{
		Endpoints:   cfg.DCS.Endpoints,
		ClusterName: cfg.ClusterName,
		Namespace:   cfg.DCS.Namespace,
		DialTimeout: cfg.DCS.DialTimeout,
		Username:    cfg.DCS.Username,
		Password:    cfg.DCS.Password,
	}, log)
	if err != nil {
		return fmt.Errorf("connect to dcs: %w", err)
	}
	defer client.Close()

	db, err := dbctl.New(dbctl.Config{
		MemberName:      cfg.Postgresql.Name,
		DataDir:         cfg.Postgresql.DataDir,
		PGBinDir:        cfg.Postgresql.BinDir,
		ListenAddress:   cfg.Postgresql.ListenAddress,
		Port:            cfg.Postgresql.Port,
		SuperuserName:   cfg.Postgresql.SuperuserName,
		ReplicationUser: cfg.Postgresql.ReplicationUser,
		ReplicationPass: cfg.Postgresql.ReplicationPass,
		ConnectionUsers: cfg.Postgresql.ConnectionUsers,
	}, log)
	if err != nil {
		return fmt.Errorf("build database controller: %w", err)
	}

	exec := executor.New()
	engineCfg := ha.Config{
		Name:                 cfg.Postgresql.Name,
		TTL:                  cfg.TTL,
		ConnStr:              db.ConnectionString(),
		MaximumLagOnFailover: cfg.MaximumLagOnFailover,
	}
	engine := ha.New(engineCfg, client, db, exec, log)

	j, err := journal.Open(journalPath, log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	hub := events.NewHub(log)
	reg := metrics.New()

	apiHandler := restapi.NewHandler(cfg.Postgresql.Name, engine, db, client, exec, hub, reg, log, nil)
	apiServer := &http.Server{Addr: cfg.RestAPI.ListenAddress, Handler: apiHandler.Router()}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("haguardd: rest api listening", zap.String("addr", cfg.RestAPI.ListenAddress))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("haguardd: rest api server error", zap.Error(err))
		}
	}()
	go func() {
		log.Info("haguardd: metrics listening", zap.String("addr", cfg.Metrics.ListenAddress))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("haguardd: metrics server error", zap.Error(err))
		}
	}()

	agent := supervisor.New(supervisor.Config{
		MemberName: cfg.Postgresql.Name,
		ConnString: db.ConnectionString(),
		APIBaseURL: fmt.Sprintf("http://%s", cfg.RestAPI.ListenAddress),
		LoopWait:   cfg.LoopWait,
		TTL:        cfg.TTL,
	}, client, db, engine, j, hub, reg, log)

	runErr := agent.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	return runErr
}
