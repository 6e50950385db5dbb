package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flockctl/internal/bus"
	"github.com/danmuck/flockctl/internal/discovery"
	"github.com/danmuck/flockctl/internal/lifecycle"
	"github.com/danmuck/flockctl/internal/observability"
	"github.com/danmuck/flockctl/internal/spawn"
)

const envConfigPath = "FLOCKCTL_CONFIG"

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  flockctl manager [client_count]
  flockctl client <client_id> <lifecycle_manager_topic>
`)
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	cfg := defaultRuntimeConfig()
	if path := os.Getenv(envConfigPath); path != "" {
		loaded, err := loadRuntimeConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flockctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var err error
	switch args[0] {
	case "manager":
		count := 1
		if len(args) > 1 {
			count, err = strconv.Atoi(args[1])
			if err != nil || count < 0 {
				fmt.Fprintf(os.Stderr, "flockctl: invalid client count %q\n", args[1])
				os.Exit(2)
			}
		}
		err = runManager(cfg, count)
	case "client":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		id, convErr := strconv.Atoi(args[1])
		if convErr != nil || id < 0 {
			fmt.Fprintf(os.Stderr, "flockctl: invalid client id %q\n", args[1])
			os.Exit(2)
		}
		err = runClient(cfg, id, args[2])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flockctl: %v\n", err)
		os.Exit(1)
	}
}

// runManager blocks until process signal shutdown.
func runManager(cfg runtimeConfig, clientCount int) error {
	observability.InitLogger("manager")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.DialRedis(
		cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, bus.ServiceTopic(cfg.Namespace))
	if err != nil {
		return err
	}
	defer b.Close()

	disco, err := discovery.New(b)
	if err != nil {
		return err
	}

	mcfg := cfg.Manager
	if mcfg.ClientCommand == "" {
		mcfg.ClientCommand = cfg.ClientCommand
	}
	if mcfg.ClientCommand == "" {
		// Default to re-invoking this binary in the client role.
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve client command: %w", err)
		}
		mcfg.ClientCommand = exe
	}

	mgr, err := lifecycle.NewManager(b, spawn.NewExecSpawner(), disco, mcfg)
	if err != nil {
		return err
	}
	log.Info().Str("topic", mgr.TopicPath()).Int("clients", clientCount).
		Msg("manager starting")

	b.OnConnected(func() {
		if err := mgr.Announce(); err != nil {
			log.Warn().Err(err).Msg("manager announce failed")
		}
		for i := 0; i < clientCount; i++ {
			if _, err := mgr.CreateClient(); err != nil {
				log.Error().Err(err).Msg("client creation failed")
			}
		}
	})

	if cfg.AdminListenAddr != "" {
		go serveAdmin(ctx, cfg.AdminListenAddr, mgr)
	}

	<-ctx.Done()
	log.Info().Msg("manager shutdown")
	mgr.Shutdown()
	return nil
}

// runClient blocks until deleted by the manager, manager disappearance, or
// process signal.
func runClient(cfg runtimeConfig, clientID int, managerTopic string) error {
	observability.InitLogger("client")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bus.DialRedis(
		cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, bus.ServiceTopic(cfg.Namespace))
	if err != nil {
		return err
	}
	defer b.Close()

	disco, err := discovery.New(b)
	if err != nil {
		return err
	}
	client, err := lifecycle.NewClient(b, disco, lifecycle.ClientConfig{
		ClientID:     clientID,
		ManagerTopic: managerTopic,
		Owner:        cfg.Owner,
	})
	if err != nil {
		return err
	}
	log.Info().Int("client_id", clientID).Str("manager", managerTopic).
		Msg("client starting")

	select {
	case <-ctx.Done():
		client.Shutdown()
	case <-client.Done():
	}
	log.Info().Int("client_id", clientID).Msg("client shutdown")
	return nil
}

func serveAdmin(ctx context.Context, addr string, mgr *lifecycle.Manager) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	mgr.RegisterRoutes(r)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("addr", addr).Msg("admin listener failed")
	}
}
