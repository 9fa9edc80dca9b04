package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/delivery"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/source"
	"github.com/shohag/kindlerelay/internal/storage"
)

// AuthSource runs the OAuth handshake with the article source.
type AuthSource interface {
	RequestCode(ctx context.Context, redirectURI string) (code, loginURL string, err error)
	Authorize(ctx context.Context, code string) (*source.Authorization, error)
}

// ArticleActions changes the state of saved articles at the source.
type ArticleActions interface {
	Archive(ctx context.Context, token, itemID string) (int, error)
	Favorite(ctx context.Context, token, itemID string) (int, error)
}

// Runner executes deliveries.
type Runner interface {
	DispatchDue(ctx context.Context, now time.Time) ([]models.Delivery, error)
	Deliver(ctx context.Context, deliveryID string) (delivery.Result, error)
	Preview(ctx context.Context, deliveryID string) ([]models.Article, error)
}

type Server struct {
	cfg        config.ServerConfig
	linkSecret string
	store      storage.Storage
	auth       AuthSource
	actions    ArticleActions
	runner     Runner
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, linkSecret string, store storage.Storage, auth AuthSource, actions ArticleActions, runner Runner, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		linkSecret: linkSecret,
		store:      store,
		auth:       auth,
		actions:    actions,
		runner:     runner,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	authHandler := NewAuthHandler(s.store, s.auth, s.log)
	userHandler := NewUserHandler(s.store)
	dlvHandler := NewDeliveryHandler(s.store, s.runner, s.log)
	actionHandler := NewActionHandler(s.store, s.actions, s.linkSecret, s.log)
	statsHandler := NewStatsHandler(s.store)

	// Health check, no auth
	r.Get("/health", statsHandler.Health)

	// Action links embedded in delivered issues, authorized by signature
	r.Get("/deliveries/{id}/articles/{articleID}/{operation}", actionHandler.Article)
	r.Get("/mailings/{id}/{operation}", actionHandler.Mailing)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/auth", authHandler.Login)
		r.Post("/auth", authHandler.Authorize)

		r.With(AdminKeyMiddleware(s.cfg.AdminKey)).Post("/dispatch", dlvHandler.Dispatch)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			r.Get("/me", userHandler.Me)
			r.Put("/me", userHandler.Update)
			r.Delete("/me", userHandler.Delete)

			r.Get("/deliveries", dlvHandler.List)
			r.Post("/deliveries", dlvHandler.Create)
			r.Get("/deliveries/{id}", dlvHandler.Get)
			r.Put("/deliveries/{id}", dlvHandler.Update)
			r.Delete("/deliveries/{id}", dlvHandler.Delete)
			r.Get("/deliveries/{id}/execute", dlvHandler.Execute)
			r.Post("/deliveries/{id}/deliver", dlvHandler.Deliver)

			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
