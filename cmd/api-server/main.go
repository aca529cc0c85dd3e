// Package main API Server 入口
//
// 单进程承载 HTTP API、编排器与 SLA Monitor。配置了 etcd 时，
// 编排与监控循环只在当选领导者的副本上运行；API 层无状态，
// 全部副本都对外服务。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caseflow/deployments"
	authpkg "caseflow/internal/apiserver/auth"
	"caseflow/internal/apiserver/server"
	"caseflow/internal/audit"
	"caseflow/internal/checkpoint"
	"caseflow/internal/config"
	"caseflow/internal/definition"
	"caseflow/internal/orchestrator"
	"caseflow/internal/shared/election"
	"caseflow/internal/shared/infra"
	"caseflow/internal/shared/objstore"
	postgresdriver "caseflow/internal/shared/storage/driver/postgres"
	sqlitedriver "caseflow/internal/shared/storage/driver/sqlite"
	"caseflow/internal/shared/storage/mongostore"
	"caseflow/internal/shared/storage/repository"
	"caseflow/internal/slamonitor"
)

func main() {
	initDB := flag.Bool("init-db", false, "apply the full database schema and exit")
	flag.Parse()

	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	if *initDB {
		if err := applyInitSchema(cfg); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		log.Printf("Database schema applied [driver=%s]", cfg.DBDriver)
		return
	}

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储（PostgreSQL 或 SQLite）
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to database [driver=%s]", cfg.DBDriver)

	// 初始化 Redis（定义缓存、事件总线、队列唤醒通知）。
	// Redis 不可用时降级为 NoOp：fetch 退化为纯数据库轮询，
	// 编排依赖保底轮询，正确性不受影响。
	inf := &infra.Infrastructure{Storage: store}
	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL)
	if err != nil {
		log.Printf("Redis unavailable, falling back to polling mode: %v", err)
		noop := infra.NewNoOpInfrastructure()
		inf.Cache, inf.EventBus, inf.Queue = noop.Cache, noop.EventBus, noop.Queue
	} else {
		defer redisInfra.Close()
		inf.Cache, inf.EventBus, inf.Queue = redisInfra.Cache(), redisInfra.EventBus(), redisInfra.Queue()
		log.Println("Connected to Redis")
	}

	// 领域服务
	defs := definition.NewService(store, inf.Cache)
	engine := orchestrator.NewEngine(store, defs, inf.Queue, inf.EventBus, orchestratorConfig(cfg))
	manager := checkpoint.NewManager(store, engine)

	// 对象存储（台账归档）；未配置 endpoint 时跳过
	var archiver *audit.Archiver
	if cfg.MinIO.Endpoint != "" {
		objClient, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Printf("MinIO unavailable, audit archiving disabled: %v", err)
		} else {
			if err := objClient.EnsureBucket(context.Background()); err != nil {
				log.Printf("MinIO bucket check failed: %v", err)
			}
			archiver = audit.NewArchiver(store, objClient)
			log.Printf("Connected to MinIO [bucket=%s]", cfg.MinIO.Bucket)
		}
	}

	// 审计台账 MongoDB 镜像；未配置 uri 时跳过
	var mirror *audit.Mirror
	if cfg.Mongo.URI != "" {
		ledger, err := mongostore.NewLedger(cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			log.Printf("MongoDB unavailable, audit mirroring disabled: %v", err)
		} else {
			defer ledger.Close()
			mirror = audit.NewMirror(store, ledger, cfg.Mongo.MirrorInterval)
			log.Printf("Connected to MongoDB [database=%s]", cfg.Mongo.Database)
		}
	}

	authCfg := authpkg.DefaultConfig(cfg.JWTSecret)
	h := server.NewHandler(inf, defs, engine, manager, archiver, cfg.Worker, authCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后台服务：编排器 + SLA Monitor（配置了 etcd 时仅领导者运行）
	orch := orchestrator.New(engine, store, inf.Queue, orchestratorConfig(cfg))
	monitor := slamonitor.New(store, inf.EventBus, inf.Queue, &slamonitor.Config{
		Interval:  cfg.SLAMonitor.Interval,
		BatchSize: cfg.SLAMonitor.BatchSize,
	})
	go runBackgroundServices(ctx, cfg, orch, monitor)

	if mirror != nil {
		go mirror.Start(ctx)
		defer mirror.Stop()
	}

	// Webhook 升级通知投递
	if cfg.SLAMonitor.WebhookURL != "" {
		notifier := slamonitor.NewWebhookNotifier(cfg.SLAMonitor.WebhookURL, inf.EventBus)
		go notifier.Start(ctx)
	}

	// 指标仪表盘定期刷新实例/任务状态分布
	go refreshGauges(ctx, h)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // fetch 长轮询需要更长的写超时
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		orch.Stop()
		monitor.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// applyInitSchema 执行全量建表
//
// PostgreSQL 执行嵌入的 init-db.sql；SQLite 走驱动内置的 AutoMigrate。
func applyInitSchema(cfg *config.Config) error {
	if cfg.DBDriver == "sqlite" {
		db, err := sqlitedriver.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		return sqlitedriver.NewDialect().AutoMigrate(db)
	}

	db, err := postgresdriver.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(deployments.InitDBSQL)
	return err
}

// openStore 按配置选择数据库驱动
func openStore(cfg *config.Config) (*repository.Store, error) {
	if cfg.DBDriver == "sqlite" {
		db, err := sqlitedriver.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}

	// PostgreSQL 的表结构由外部迁移文件管理
	db, err := postgresdriver.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return repository.NewStore(db, postgresdriver.NewDialect()), nil
}

// orchestratorConfig 将应用配置映射为编排器配置
func orchestratorConfig(cfg *config.Config) *orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if cfg.Orchestrator.ConsumerID != "" {
		oc.ConsumerID = cfg.Orchestrator.ConsumerID
	}
	if cfg.Orchestrator.Redis.ReadTimeout > 0 {
		oc.Redis.ReadTimeout = cfg.Orchestrator.Redis.ReadTimeout
	}
	if cfg.Orchestrator.Redis.ReadCount > 0 {
		oc.Redis.ReadCount = cfg.Orchestrator.Redis.ReadCount
	}
	if cfg.Orchestrator.Fallback.Interval > 0 {
		oc.Fallback.Interval = cfg.Orchestrator.Fallback.Interval
	}
	if cfg.Orchestrator.Fallback.StaleThreshold > 0 {
		oc.Fallback.StaleThreshold = cfg.Orchestrator.Fallback.StaleThreshold
	}
	if cfg.Orchestrator.Lease.ReapInterval > 0 {
		oc.Lease.ReapInterval = cfg.Orchestrator.Lease.ReapInterval
	}
	return oc
}

// runBackgroundServices 启动编排器与 SLA Monitor
//
// 配置了 etcd 时先竞选领导者：同一时刻只有一个副本执行扫描与
// 推进循环；失去领导权（会话失效）即退出进程，由编排层重启。
func runBackgroundServices(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, monitor *slamonitor.Monitor) {
	if len(cfg.EtcdEndpoints) > 0 {
		hostname, _ := os.Hostname()
		candidateID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		elector, err := election.NewElector(election.Config{
			Endpoints: cfg.EtcdEndpoints,
			Prefix:    cfg.EtcdPrefix,
		}, candidateID)
		if err != nil {
			log.Printf("etcd unavailable, running without leader election: %v", err)
		} else {
			defer elector.Close()
			if err := elector.Campaign(ctx); err != nil {
				log.Printf("Leader campaign aborted: %v", err)
				return
			}

			// 会话失效即失去领导权，停止后台循环
			go func() {
				select {
				case <-elector.Done():
					log.Println("Lost leadership, stopping background services")
					orch.Stop()
					monitor.Stop()
				case <-ctx.Done():
				}
			}()
		}
	}

	go monitor.Start(ctx)
	orch.Start(ctx)
}

// refreshGauges 周期刷新 Prometheus 状态分布仪表
func refreshGauges(ctx context.Context, h *server.Handler) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RefreshGauges(ctx)
		}
	}
}
