package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/timanema/hostblock/pkg/blocker"
	"github.com/timanema/hostblock/pkg/storage"
)

const shutdownTimeout = 3 * time.Second

type Server struct {
	store   storage.Storage
	blocker *blocker.Blocker
	log     *log.Logger

	server *http.Server
}

func New(addr string, store storage.Storage, b *blocker.Blocker) *Server {
	s := &Server{
		store:   store,
		blocker: b,
		log:     log.Default().WithPrefix("api"),
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/addresses", s.listAddresses).Methods(http.MethodGet)
	apiRouter.HandleFunc("/address/{ip}", s.getAddress).Methods(http.MethodGet)
	apiRouter.HandleFunc("/address/{ip}", s.forgetAddress).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/whitelist/{ip}", s.whitelist).Methods(http.MethodPost)
	apiRouter.HandleFunc("/blacklist/{ip}", s.blacklist).Methods(http.MethodPost)
	apiRouter.HandleFunc("/files", s.listFiles).Methods(http.MethodGet)
	apiRouter.HandleFunc("/compact", s.compact).Methods(http.MethodPost)
	apiRouter.HandleFunc("/policy", s.getPolicy).Methods(http.MethodGet)
	apiRouter.HandleFunc("/policy", s.updatePolicy).Methods(http.MethodPatch)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
	})
	return c.Handler(router)
}

// ListenAndServe serves the API until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "address", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "api server stopped")
	case <-ctx.Done():
	}

	if err := s.Shutdown(); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "api server stopped")
	}
	return nil
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Wrap(s.server.Shutdown(ctx), "failed to stop api server")
}
