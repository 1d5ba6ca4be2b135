package adaptor

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	Version = "1.0.0"

	DefaultMaxFrameBytes = 8 << 20
	maxRequestBytes      = 1 << 20
)

type Options struct {
	MaxFrameBytes int64
}

// Adaptor exposes the control plane over HTTP and session streams over
// websocket on the same mux.
type Adaptor struct {
	sessions SessionUsecase
	streams  StreamUsecase
	upgrader websocket.Upgrader
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewAdaptor(sessions SessionUsecase, streams StreamUsecase, opts Options, logger zerolog.Logger) *Adaptor {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Adaptor{
		sessions: sessions,
		streams:  streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

func (a *Adaptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", a.deleteSession)
	mux.HandleFunc("PUT /sessions/{id}/recording", a.setRecording)
	mux.HandleFunc("GET /history", a.history)
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /streams/{id}", a.stream)
	return a.accessLog(cors(mux))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Adaptor) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", a.now().Sub(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
