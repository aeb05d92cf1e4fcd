package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "device_provisioner/docs"
	"device_provisioner/internal/config"
	"device_provisioner/internal/handlers"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/repository"
	"device_provisioner/internal/repository/db"
	"device_provisioner/internal/server"
	"device_provisioner/internal/service"
	"device_provisioner/internal/telemetry"
	"device_provisioner/internal/toolchain"
	"device_provisioner/internal/workspace"
)

const hubBuffer = 256

// @title Device Provisioner API
// @version 1.0
// @description Queue-driven provisioning of ESP32 boards.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	// load config.yml
	cfg, err := config.Load()
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	// init logger
	log := logger.Get(cfg.LogLevel)

	// open DB
	conn, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "path", cfg.DB.Path, "err", err)
	}
	defer closeDB(conn, log)

	ws, err := openWorkspaces(cfg.Workspace, log.Named("workspace"))
	if err != nil {
		log.Fatalw("failed to prepare workspaces", "err", err)
	}

	// wire dependencies
	repos := repository.NewRepository(conn)
	tc := toolchain.New(cfg.Toolchain, log.Named("toolchain"))
	services := service.NewService(cfg, repos, tc, ws, log)

	hub := telemetry.NewHub(hubBuffer, log.Named("hub"))
	services.Engine.AddObserver(hub)
	services.Engine.Statistics().AddSink(hub)

	closers := attachTelemetry(cfg, services, log)

	apiHandler := handlers.NewHandler(services, hub, log.Named("http"))

	// start HTTP server
	srv := server.New(cfg.HTTP)
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	// graceful shutdown
	waitForShutdown(cfg.HTTP, srv, services, log)
	for _, c := range closers {
		c()
	}
}

// openWorkspaces creates the workspace manager, seeds the project template
// when configured and prunes stale device workspaces.
func openWorkspaces(cfg config.WorkspaceConfig, log *logger.Logger) (*workspace.Manager, error) {
	ws, err := workspace.New(cfg.BasePath, log)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectPath != "" {
		if err := ws.PrepareTemplate(cfg.ProjectPath); err != nil {
			return nil, err
		}
	}
	if cfg.MaxAge > 0 {
		n, err := ws.CleanupOlderThan(cfg.MaxAge)
		if err != nil {
			log.Warnw("stale workspace cleanup failed", "err", err)
		} else if n > 0 {
			log.Infow("removed stale workspaces", "count", n, "max_age", cfg.MaxAge)
		}
	}
	return ws, nil
}

// attachTelemetry connects the optional MQTT and InfluxDB exporters. A
// failed connection is logged and the exporter is skipped.
func attachTelemetry(cfg *config.Config, services *service.Service, log *logger.Logger) []func() {
	var closers []func()

	if cfg.MQTT.Enabled {
		pub, err := telemetry.ConnectMQTT(cfg.MQTT, log.Named("mqtt"))
		if err != nil {
			log.Errorw("mqtt disabled", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			services.Engine.AddObserver(pub)
			services.Engine.Statistics().AddSink(pub)
			closers = append(closers, pub.Close)
		}
	}

	if cfg.InfluxDB.Enabled {
		w, err := telemetry.ConnectInflux(cfg.InfluxDB, log.Named("influxdb"))
		if err != nil {
			log.Errorw("influxdb disabled", "url", cfg.InfluxDB.URL, "err", err)
		} else {
			services.Engine.Statistics().AddSink(w)
			closers = append(closers, w.Close)
		}
	}
	return closers
}

func closeDB(conn *sql.DB, log *logger.Logger) {
	if err := conn.Close(); err != nil {
		log.Errorw("failed to close sqlite", "err", err)
	}
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
	log.Infow("http server listening", "port", port)
}

// waitForShutdown listens for termination signals, drains HTTP requests,
// stops the provisioning engine and flushes the event log.
func waitForShutdown(cfg config.HTTPConfig, srv *server.Server, services *service.Service, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	if err := services.Close(ctx); err != nil {
		log.Warnw("provisioning engine did not stop cleanly", "err", err)
	}
}
