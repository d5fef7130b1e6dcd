// Package api serves the bridge status over HTTP.
//
// Routes:
//
//	GET  /api/v1/health          liveness and version
//	GET  /api/v1/status          session status and SD index
//	POST /api/v1/sd-index/clear  forget every indexed file
//	POST /api/v1/upload          multipart "file", optional "name"
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dremelbridge/dremel-go/pkg/device"
	"github.com/dremelbridge/dremel-go/pkg/sdindex"
	"github.com/dremelbridge/dremel-go/pkg/vserial"
)

// DefaultMaxUploadSize bounds multipart uploads.
const DefaultMaxUploadSize = 256 << 20

const shutdownTimeout = 5 * time.Second

// Bridge is what the API reads and drives. *transport.Server and
// *vserial.Session both satisfy it.
type Bridge interface {
	Status() vserial.Status
	ClearSDIndex()
	Upload(ctx context.Context, localPath, displayName string) (sdindex.Entry, error)
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address string
	Version string

	Bridge Bridge

	// MaxUploadSize is the largest accepted upload in bytes.
	MaxUploadSize int64

	Logger *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	config ServerConfig
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a server with its routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("api: bridge is required")
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/status", s.handleStatus)
	s.mux.HandleFunc("/api/v1/sd-index/clear", s.handleClear)
	s.mux.HandleFunc("/api/v1/upload", s.handleUpload)
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("api listening", "addr", l.Addr().String())
	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(l)
}

// Shutdown stops the server, waiting briefly for requests in flight.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.config.Bridge.Status())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.config.Bridge.ClearSDIndex()
	writeJSON(w, http.StatusOK, s.config.Bridge.Status().SDIndex)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing form field \"file\""))
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "." || filename == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, errors.New("missing file name"))
		return
	}

	dir, err := os.MkdirTemp("", "dremel-upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.RemoveAll(dir)

	// The printer names the upload after the local file.
	path := filepath.Join(dir, filename)
	if err := saveFile(path, file); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = filename
	}

	entry, err := s.config.Bridge.Upload(r.Context(), path, name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, vserial.ErrPrintActive):
			status = http.StatusConflict
		case device.IsCommError(err):
			status = http.StatusBadGateway
		}
		s.logger.Warn("upload failed", "file", filename, "error", err)
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func saveFile(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
