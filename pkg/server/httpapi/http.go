package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/shardfs/pkg/blob"
	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/server/middleware"
	"github.com/jacktea/shardfs/pkg/upload"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

const (
	formField          = "file"
	defaultMaxUpload   = 32 << 20
	multipartMemoryCap = 8 << 20
)

// Server exposes a blob.Store over HTTP.
type Server struct {
	Store *blob.Store
	Log   *zap.Logger
	Opts  Options
}

// Options configure request limits, rate limiting and the metrics endpoint.
type Options struct {
	RateLimit      middleware.RateLimitOptions
	MaxUploadBytes int64
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/files", s.handleUpload)
	mux.HandleFunc("/files/", s.handleFile)
	mux.HandleFunc("/images", s.handleImage)
	if s.Opts.Metrics != nil {
		mux.Handle("/metrics", s.Opts.Metrics)
	}
	return s.applyMiddleware(mux)
}

type savedFile struct {
	ID        fs.ID  `json:"id"`
	RealName  string `json:"real_name"`
	Extension string `json:"extension,omitempty"`
	Path      string `json:"path"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fh, ok := s.formFile(w, r)
	if !ok {
		return
	}
	src, err := upload.FromFileHeader(fh, r.FormValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Store.SaveUpload(r.Context(), src)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondSaved(r.Context(), w, id)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := r.URL.Query().Get("format")
	if _, err := blob.ParseFormat(format); err != nil {
		s.httpError(w, err)
		return
	}
	fh, ok := s.formFile(w, r)
	if !ok {
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.httpError(w, err)
		return
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		http.Error(w, "cannot decode image: "+err.Error(), http.StatusBadRequest)
		return
	}
	name := r.FormValue("name")
	if name == "" {
		name = fh.Filename
	}
	id, err := s.Store.SaveImage(r.Context(), img, name, format)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.respondSaved(r.Context(), w, id)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, err := fs.ParseID(strings.TrimPrefix(r.URL.Path, "/files/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveFile(w, r, id)
	case http.MethodDelete:
		if !s.Store.Delete(r.Context(), id) {
			http.Error(w, "not deleted", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, id fs.ID) {
	f, rec, err := s.Store.Open(r.Context(), id)
	if err != nil {
		s.httpError(w, err)
		return
	}
	defer f.Close()
	name := rec.RealName
	if rec.Extension != "" {
		name += "." + rec.Extension
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, time.Time{}, f)
}

func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (*multipart.FileHeader, bool) {
	limit := s.Opts.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemoryCap); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "invalid multipart body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	files := r.MultipartForm.File[formField]
	if len(files) == 0 {
		http.Error(w, "missing form field "+formField, http.StatusBadRequest)
		return nil, false
	}
	return files[0], true
}

func (s *Server) respondSaved(ctx context.Context, w http.ResponseWriter, id fs.ID) {
	p, rec, err := s.Store.Locate(ctx, id)
	if err != nil {
		s.httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/files/"+id.String())
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(savedFile{
		ID:        id,
		RealName:  rec.RealName,
		Extension: rec.Extension,
		Path:      p.Full(),
	})
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	}
	if status >= http.StatusInternalServerError && s.Log != nil {
		s.Log.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if logger := middleware.RequestLogger(s.Log); logger != nil {
		chain = append(chain, logger)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	if len(chain) == 0 {
		return handler
	}
	return middleware.Wrap(handler, chain...)
}
