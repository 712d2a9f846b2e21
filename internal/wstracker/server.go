package wstracker

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// NewHTTPServer wraps the dispatcher for ListenAndServe. No read or
// write timeouts: connections are long-lived and liveness is handled
// by the ping loop.
func NewHTTPServer(addr string, s *Server) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Hijacked sockets are invisible to Shutdown; close them here so a
	// drain does not wait out the full grace window.
	srv.RegisterOnShutdown(s.closeAll)
	return srv
}

// Run serves until ctx is cancelled, then drains with a bounded
// shutdown window.
func Run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return err
	}
	return <-errCh
}
