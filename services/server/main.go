package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classline/messenger/internal/config"
	"github.com/classline/messenger/internal/fileserver"
	"github.com/classline/messenger/internal/handler"
	"github.com/classline/messenger/internal/logger"
	"github.com/classline/messenger/internal/model"
	"github.com/classline/messenger/internal/push"
	"github.com/classline/messenger/internal/startup"
	"github.com/classline/messenger/internal/storage"
	memorysessions "github.com/classline/messenger/internal/storage/memory"
	"github.com/classline/messenger/internal/store"
	memorystore "github.com/classline/messenger/internal/store/memory"
	"github.com/classline/messenger/internal/store/postgres"
	"github.com/classline/messenger/internal/ws"
	"github.com/classline/messenger/migrations"
)

func main() {
	logger.SetPrefix("server")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	mem := flag.Bool("mem", false, "keep everything in memory (no DB, no Redis)")
	seed := flag.Bool("seed", false, "create demo users with printed tokens")
	flag.Parse()

	logger.Info("starting messaging server")
	cfg := config.Load()

	var st store.Store
	var sessions storage.SessionStore

	if *mem {
		st = memorystore.New()
		sessions = memorysessions.New()
		logger.Info("running fully in memory")
	} else {
		var embeddedDB *embeddedpostgres.EmbeddedPostgres
		if *dev {
			var err error
			embeddedDB, err = startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
		runMigrations(pool)
		if *migrate && !*dev {
			pool.Close()
			return
		}
		logger.Info("database connected, migrations applied")
		st = postgres.New(pool)

		if cfg.Redis.URL != "" {
			sessions = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
			logger.Info("redis connected")
		} else {
			sessions = memorysessions.New()
			logger.Info("no REDIS_URL, sessions kept in memory")
		}
	}
	defer st.Close()
	defer sessions.Close()

	if *seed || *mem {
		seedDemoUsers(st, sessions)
	}

	vapid := &push.VAPIDKeys{PublicKey: cfg.VAPIDPublicKey, PrivateKey: cfg.VAPIDPrivateKey}
	if vapid.PublicKey == "" || vapid.PrivateKey == "" {
		var err error
		vapid, err = push.EnsureVAPIDKeys("")
		if err != nil {
			logger.Errorf("vapid keys: %v", err)
			os.Exit(1)
		}
	}
	sender := push.NewSender(sessions, vapid, "mailto:ops@classline.app")

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(st, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	files := fileserver.New(cfg.UploadDir, cfg.MaxUploadSize)
	router := handler.NewRouter(handler.RouterDeps{
		Store:    st,
		Sessions: sessions,
		Files:    files,
		Hub:      hub,
		Push: func(userID, title, body string, data map[string]string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sender.Notify(ctx, userID, title, body, data)
		},
		VAPIDPublicKey: vapid.PublicKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

// seedDemoUsers creates two accounts with printed tokens so a fresh
// instance is usable immediately.
func seedDemoUsers(st store.Store, sessions storage.SessionStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, username := range []string{"alice", "bob"} {
		u, err := st.UserByUsername(ctx, username)
		if err != nil {
			u = &model.User{
				ID:        uuid.New().String(),
				Username:  username,
				CreatedAt: time.Now().UTC(),
			}
			if err := st.CreateUser(ctx, u); err != nil {
				logger.Errorf("seed user %s: %v", username, err)
				continue
			}
		}
		token := uuid.New().String()
		if err := sessions.SaveToken(ctx, token, u.ID); err != nil {
			logger.Errorf("seed token for %s: %v", username, err)
			continue
		}
		logger.Infof("demo user %s id=%s token=%s", username, u.ID, token)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "classline"
		password = "classline_secret"
		database = "classline"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
