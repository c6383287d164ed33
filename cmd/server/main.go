package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/camplink/camplink/internal/api"
	"github.com/camplink/camplink/internal/config"
	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/progression"
	"github.com/camplink/camplink/internal/server"
	"github.com/camplink/camplink/internal/stats"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	signingKey     string
	migrationsDir  string
	allowedOrigins stringSliceFlag
)

// officialChannels are the system broadcast bands seeded at startup. They
// have no owner and cannot be deleted through the API.
var officialChannels = []database.CreateChannelParams{
	{ExternalId: "official-emergency", ChannelType: "official", Name: "Emergency Broadcast", Description: "Region-wide emergency alerts"},
	{ExternalId: "official-weather", ChannelType: "official", Name: "Weather Service", Description: "Weather reports and storm warnings"},
	{ExternalId: "official-events", ChannelType: "official", Name: "Event Bulletin", Description: "Community events and announcements"},
}

func main() {
	// .env is optional, flags and the environment win
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("CAMPLINK_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("CAMPLINK_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("CAMPLINK_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&migrationsDir, "migrations", envOr("CAMPLINK_MIGRATIONS", "migrations"), "schema migrations directory")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[camplink] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgCamplinkRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := dbConn.Migrate(migrationsDir); err != nil {
		logger.Fatal("migrate:", err)
	}

	if err := dbConn.EnsureOfficialChannels(officialChannels); err != nil {
		logger.Fatal("seed official channels:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	devices := progression.NewService(logger, dbConn, dbConn, dbConn)

	srv := api.NewCamplinkApp(mux, logger, chatServer, dbConn, devices, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
