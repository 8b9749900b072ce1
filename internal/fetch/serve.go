package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

// ServeArtifacts exposes dir read-only over HTTP so joining nodes can sync
// handshake artifacts from the bootstrap host. The returned server is
// already serving; the caller owns shutting it down.
func ServeArtifacts(logger zerolog.Logger, dir, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	log := logger.With().Str("component", "artifact-server").Logger()
	// Addr records the bound address so callers can discover an ephemeral port.
	srv := &http.Server{Addr: ln.Addr().String(), Handler: http.FileServer(http.Dir(dir))}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("artifact server failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("dir", dir).Msg("serving handshake artifacts")
	return srv, nil
}
