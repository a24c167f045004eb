package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	ipcserver "github.com/pptb-app/pptb/internal/ipc/server"
)

// ipcService runs the websocket endpoint as a hosted service: a TCP
// listener on loopback plus the push loop of the IPC server.
type ipcService struct {
	addr   string
	server *ipcserver.Server

	mu       sync.Mutex
	bound    string
	httpSrv  *http.Server
	listener net.Listener
}

func (s *ipcService) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ipc", s.server.HandleWebSocket)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = httpSrv
	s.bound = listener.Addr().String()
	s.mu.Unlock()

	go s.server.Run()
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[IPC] serve: %v", err)
		}
	}()
	return nil
}

func (s *ipcService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.mu.Unlock()

	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}
	s.server.Shutdown()
	return err
}

// Addr returns the bound address, or the configured one before Start.
func (s *ipcService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != "" {
		return s.bound
	}
	return s.addr
}
