// Package apiserver wires the action handlers into an HTTP server with the
// shared middleware stack.
package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/virtops/vsphere-actions/internal/config"
	handlers "github.com/virtops/vsphere-actions/internal/handlers/v1alpha1"
	"github.com/virtops/vsphere-actions/internal/provision"
	"github.com/virtops/vsphere-actions/internal/vsphere"
	"github.com/virtops/vsphere-actions/pkg/metrics"
	"github.com/virtops/vsphere-actions/pkg/middleware"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	cfg      *config.Config
	provider vsphere.ClientProvider
	listener net.Listener
}

// New returns a new instance of the action server.
func New(cfg *config.Config, provider vsphere.ClientProvider, listener net.Listener) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing action server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	tracker := provision.NewTracker(s.cfg.Service.TaskBudget, s.cfg.Service.PollInterval)
	handler := handlers.NewActionHandler(
		provision.NewService(s.provider, tracker),
		vsphere.NewInventory(s.provider),
	)

	router.Route("/api/v1alpha1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("action server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
