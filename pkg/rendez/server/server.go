// Package server implements the rendezvous HTTP server that pairs two
// peers' offers. It never sees session traffic; once both offers are
// exchanged it drops out of the path entirely.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/linkio-p2p/linkio/pkg/rendez/store"
)

const (
	ServerReadTimeout  = 5 * time.Second
	ServerWriteTimeout = 5 * time.Second
	ServerIdleTimeout  = 10 * time.Second
	MaxHeaderBytes     = 1 << 20
)

type RendezvousServer struct {
	handlers   *Handler
	httpServer *http.Server
}

func NewRendezvous(s store.Store) *RendezvousServer {
	return &RendezvousServer{
		handlers: NewHandler(s),
	}
}

// Router builds the gin engine; split out so tests can serve it without
// binding a port.
func (s *RendezvousServer) Router() *gin.Engine {
	r := gin.Default()

	// todo(): add API versioning
	r.POST("/register", s.handlers.RegisterHandler)
	r.GET("/peer/:peer_id", s.handlers.LookupHandler)
	r.GET("/subscribe/:peer_id", s.handlers.SubscribeHandler)

	return r
}

func (s *RendezvousServer) Start(addr string) error {
	// Websocket subscribers hold their connection until the counterpart
	// registers, so the write timeout stays disabled.
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.Router(),
		ReadTimeout:    ServerReadTimeout,
		IdleTimeout:    ServerIdleTimeout,
		MaxHeaderBytes: MaxHeaderBytes,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	return nil
}

func (s *RendezvousServer) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
