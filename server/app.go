package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/config"
	"relay/internal/agentapi"
	"relay/internal/db"
	"relay/internal/dispatch"
	"relay/internal/health"
	"relay/internal/logs"
	"relay/internal/middleware"
	"relay/internal/models"
	"relay/internal/opapi"
	"relay/internal/repo"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server
	supervisor *dispatch.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально; пустой driver — in-memory очередь) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(&models.Command{}, &models.Device{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Хранилища и доменный сервис */
	var (
		cmds dispatch.CommandStore
		devs dispatch.DeviceStore
	)
	if a.db != nil {
		cmds = repo.NewCommandStore(a.db)
		devs = repo.NewDeviceStore(a.db)
	} else {
		mem := dispatch.NewMemStore()
		cmds, devs = mem, mem
	}
	svc := dispatch.NewService(cmds, devs, dispatch.Options{
		MinTimeoutSecs:      a.cfg.Dispatch.MinTimeoutSecs,
		MaxTimeoutSecs:      a.cfg.Dispatch.MaxTimeoutSecs,
		MaxPendingPerDevice: a.cfg.Dispatch.MaxPendingPerDevice,
		MaxOutputBytes:      a.cfg.Dispatch.MaxOutputBytes,
	})
	a.supervisor = dispatch.NewSupervisor(cmds, a.cfg.Dispatch.SweepInterval)

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 5) Health */
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	/* 6) Операторский и агентский API */
	opapi.RegisterRoutes(a.Router, opapi.New(svc, a.cfg.Dispatch.OfflineAfter))
	agentapi.RegisterRoutes(a.Router, agentapi.New(svc), a.cfg.Agent.APIKey)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	// Супервизор таймаутов живёт, пока жив процесс. Каждый его переход —
	// CAS, так что дублирование на нескольких инстансах безвредно.
	go a.supervisor.Run(a.ctx)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
