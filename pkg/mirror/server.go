// Package mirror serves a local artifact cache in the same layout as the
// upstream artifact host, including the ?info=<path> checksum endpoint, so
// other machines can provision from it.
package mirror

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// SharePrefix is the URL prefix artifacts live under.
const SharePrefix = "/share/nabu/deployer"

// Server serves the artifacts of a manifest from a cache directory.
type Server struct {
	dir   string
	names map[string]bool
}

// NewServer creates a mirror for the manifest's artifacts stored in dir.
func NewServer(dir string, manifest artifact.Manifest) *Server {
	names := make(map[string]bool)
	for _, a := range manifest.All() {
		names[a.Name] = true
	}
	return &Server{dir: dir, names: names}
}

// Handler returns the mirror routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/", s.handleInfo)
	r.Get(SharePrefix+"/*", s.handleFile)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("mirror_listening", "addr", ln.Addr().String(), "dir", s.dir)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "mirror server failed")
	case <-ctx.Done():
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxTimeout)
	slog.Info("mirror_stopped")
	return nil
}

// resolve maps a request path to a cached file, or "" for anything that is
// not a manifest artifact.
func (s *Server) resolve(p string) string {
	name := path.Base(path.Clean("/" + p))
	if !s.names[name] {
		return ""
	}
	return filepath.Join(s.dir, name)
}

type infoResponse struct {
	Hashes struct {
		MD5 string `json:"md5"`
	} `json:"hashes"`
	Size int64 `json:"size"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("info")
	if p == "" {
		http.Error(w, "missing info parameter", http.StatusBadRequest)
		return
	}
	local := s.resolve(p)
	if local == "" {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(local)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		slog.Error("mirror_hash_failed", "path", local, "error", err)
		http.Error(w, "failed to hash artifact", http.StatusInternalServerError)
		return
	}

	var info infoResponse
	info.Hashes.MD5 = hex.EncodeToString(h.Sum(nil))
	info.Size = n
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	local := s.resolve(chi.URLParam(r, "*"))
	if local == "" {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(local)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("content-type", "application/octet-stream")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("mirror_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
