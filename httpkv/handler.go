// Package httpkv exposes a byte-level store over HTTP and consumes such a
// store as a client.
//
// Routes (all but /health accept an optional "prefix" query parameter):
//
//	GET    /read?key=K     200 raw payload, 404 inexistent-item
//	POST   /insert?key=K   body is the payload
//	DELETE /delete?key=K   404 if absent
//	GET    /has?key=K      JSON boolean
//	GET    /keys           JSON array of {"tag":"right","value":K} or {"tag":"left","value":<error>}
//	DELETE /clear
//	GET    /health
//
// Failures carry a JSON encoded *kv.Error body.
package httpkv

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.miragespace.co/kv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultMaxBodySize = 32 << 20
	flushThreshold     = 4096
)

type HandlerOptions struct {
	// Token, when set, is accepted as a static bearer credential.
	Token string
	// Secret, when set, makes HS256 tokens signed with it valid credentials.
	Secret string
	// Validate, when set, screens every inserted payload. A failure is
	// answered with 422.
	Validate func([]byte) error
	// MaxBodySize caps insert payloads. Defaults to DefaultMaxBodySize.
	MaxBodySize int64
	Logger      *zap.Logger
}

type handler struct {
	store kv.Store[[]byte]
	opts  HandlerOptions
	log   *zap.Logger
}

type result struct {
	Tag   string `json:"tag"`
	Value any    `json:"value"`
}

// NewHandler returns the HTTP routes serving store.
func NewHandler(store kv.Store[[]byte], opts HandlerOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	h := &handler{
		store: store,
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "httpkv")),
	}

	router := chi.NewRouter()
	router.Use(h.logRequests)
	router.Get("/health", h.health)
	router.Group(func(r chi.Router) {
		r.Use(h.authorize)
		r.Get("/read", h.read)
		r.Post("/insert", h.insert)
		r.Delete("/delete", h.delete)
		r.Get("/has", h.has)
		r.Get("/keys", h.keys)
		r.Delete("/clear", h.clear)
	})
	return router
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (h *handler) authorize(next http.Handler) http.Handler {
	if h.opts.Token == "" && h.opts.Secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.allowed(credential(r)) {
			h.log.Warn("unauthorized request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, kv.StoreError(kv.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) allowed(cred string) bool {
	if cred == "" {
		return false
	}
	if h.opts.Token != "" && subtle.ConstantTimeCompare([]byte(cred), []byte(h.opts.Token)) == 1 {
		return true
	}
	if h.opts.Secret != "" && kv.VerifyToken(cred, h.opts.Secret, time.Now()) == nil {
		return true
	}
	return false
}

func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// view applies the optional prefix parameter.
func (h *handler) view(r *http.Request) kv.Store[[]byte] {
	return kv.Prefixed(h.store, r.URL.Query().Get("prefix"))
}

func (h *handler) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, kv.StoreErrorf("missing key parameter"))
		return "", false
	}
	return key, true
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) read(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	val, err := h.view(r).Read(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(val)
}

func (h *handler) insert(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}

	var buf pool.Buffer
	defer buf.Reset()
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, kv.StoreErrorf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeJSON(w, http.StatusBadRequest, kv.StoreErrorf("reading payload: %w", err))
		return
	}
	payload := bytes.Clone(buf.Bytes())
	if payload == nil {
		payload = []byte{}
	}

	if h.opts.Validate != nil {
		if err := h.opts.Validate(payload); err != nil {
			var e *kv.Error
			if !errors.As(err, &e) {
				e = kv.InvalidData(err)
			}
			h.log.Debug("payload rejected", zap.String("key", key), zap.Error(err))
			writeJSON(w, http.StatusUnprocessableEntity, e)
			return
		}
	}

	if err := h.view(r).Insert(r.Context(), key, payload); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	if err := h.view(r).Delete(r.Context(), key); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) has(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	found, err := kv.Has(r.Context(), h.view(r), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := kv.Clear(r.Context(), h.view(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// keys streams the listing; a failure after the first byte can only be
// reported in-band, so every element carries its own result.
func (h *handler) keys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	stream := jsoniter.NewStream(json, w, flushThreshold)
	stream.WriteArrayStart()
	first := true
	for key, err := range h.view(r).Keys(r.Context()) {
		if !first {
			stream.WriteMore()
		}
		first = false
		if err != nil {
			h.log.Warn("listing keys", zap.Error(err))
			stream.WriteVal(result{Tag: "left", Value: kv.Wrap(err)})
		} else {
			stream.WriteVal(result{Tag: "right", Value: key})
		}
		if stream.Buffered() >= flushThreshold {
			if err := stream.Flush(); err != nil {
				h.log.Debug("client went away during listing", zap.Error(err))
				return
			}
		}
	}
	stream.WriteArrayEnd()
	stream.Flush()
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var e *kv.Error
	if !errors.As(err, &e) {
		e = kv.StoreError(err)
	}
	status := statusOf(e.Kind)
	if status == http.StatusInternalServerError {
		h.log.Error("store operation failed", zap.Error(e))
	}
	writeJSON(w, status, e)
}

func statusOf(kind kv.Kind) int {
	switch kind {
	case kv.KindInexistentItem:
		return http.StatusNotFound
	case kv.KindInvalidData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
