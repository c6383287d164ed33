package api

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"github.com/camplink/camplink/internal/config"
	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/progression"
	"github.com/camplink/camplink/internal/server"
	"github.com/camplink/camplink/internal/stats"
	"github.com/gorilla/handlers"
	"github.com/teris-io/shortid"
)

type CamplinkApp struct {
	log            *log.Logger
	db             database.CamplinkRepository
	mux            *http.Server
	cs             *server.ChatServer
	devices        *progression.Service
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
	// generateChannelCode is swappable in tests
	generateChannelCode func() (string, error)
}

func NewCamplinkApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.CamplinkRepository,
	devices *progression.Service, su stats.StatsProvider, cfg *config.Config) *CamplinkApp {
	s := &CamplinkApp{
		log:                 logger,
		db:                  db,
		cs:                  cs,
		devices:             devices,
		stats:               su,
		signingKey:          cfg.SigningKey,
		allowedOrigins:      cfg.AllowedOrigins,
		generateChannelCode: shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("POST /api/channels", s.authMiddleware(s.createChannel))
	mux.Handle("DELETE /api/channels", s.authMiddleware(s.deleteChannel))
	mux.Handle("GET /api/channels", s.authMiddleware(s.getChannel))
	mux.Handle("GET /api/channels/list", s.authMiddleware(s.listChannels))
	mux.Handle("GET /api/subscriptions", s.authMiddleware(s.getUsersSubscriptions))
	mux.Handle("POST /api/subscriptions", s.authMiddleware(s.subscribe))
	mux.Handle("DELETE /api/subscriptions", s.authMiddleware(s.unsubscribe))
	mux.Handle("PUT /api/subscriptions/mute", s.authMiddleware(s.muteSubscription))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /api/devices", s.authMiddleware(s.getDevices))
	mux.Handle("POST /api/devices/unlock", s.authMiddleware(s.unlockDevice))
	mux.Handle("POST /api/devices/current", s.authMiddleware(s.switchDevice))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

// walkieChannelCode returns an FRS-style frequency code with a random suffix,
// e.g. "462.5875-Kf9xQ2".
func walkieChannelCode() (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", err
	}

	khz := 462550 + 25*rand.Intn(8)
	return fmt.Sprintf("%d.%04d-%s", khz/1000, khz%1000*10, sid), nil
}

func (s *CamplinkApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *CamplinkApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
