package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"runq/internal/storage"
	"runq/internal/task/engine"
	"runq/internal/task/flush"
	logx "runq/pkg/logx"
)

const (
	maxSleepCount = 1000
	maxSleep      = time.Minute
	flushTimeout  = 10 * time.Second
)

// Engine is the scheduler surface the handler needs.
type Engine interface {
	Status() engine.Status
	Queues() []engine.QueueStatus
	IsRegisteredQueue(name string) bool
	DefaultQueue() string
	SubmitFunc(queueName, name string, fn engine.Work) (string, error)
	Flush(ctx context.Context) error
}

type Option func(*Handler)

// WithFlushStatus adds the periodic flush state to /status.
func WithFlushStatus(fn func() flush.Snapshot) Option {
	return func(h *Handler) { h.flushStatus = fn }
}

// WithPprof serves net/http/pprof under /debug/pprof/.
func WithPprof(enabled bool) Option {
	return func(h *Handler) { h.pprof.Store(enabled) }
}

type Handler struct {
	eng         Engine
	log         logx.Logger
	flushStatus func() flush.Snapshot
	pprof       atomic.Bool
	now         func() time.Time

	mux *http.ServeMux
}

func NewHandler(eng Engine, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{eng: eng, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /queues", h.queues)
	mux.HandleFunc("POST /tasks/sleep", h.sleep)
	mux.HandleFunc("POST /flush", h.flush)
	mux.HandleFunc("/debug/pprof/", h.gated(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", h.gated(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", h.gated(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", h.gated(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", h.gated(hpprof.Trace))
	h.mux = mux
	return h
}

// SetPprof toggles the profiling endpoints at runtime.
func (h *Handler) SetPprof(enabled bool) { h.pprof.Store(enabled) }

func (h *Handler) gated(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.pprof.Load() {
			http.NotFound(w, r)
			return
		}
		fn(w, r)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	engine.Status
	Uptime    string          `json:"uptime"`
	Submitted string          `json:"submitted_text"`
	Flush     *flush.Snapshot `json:"flush,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	st := h.eng.Status()
	resp := statusResponse{
		Status:    st,
		Uptime:    humanize.RelTime(st.Since, h.now(), "", ""),
		Submitted: humanize.Comma(int64(st.Counters.Submitted)),
	}
	if h.flushStatus != nil {
		fs := h.flushStatus()
		resp.Flush = &fs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) queues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": h.eng.DefaultQueue(),
		"queues":  h.eng.Queues(),
	})
}

// sleep submits count demo tasks that each sleep a random duration up to max.
func (h *Handler) sleep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("queue"))
	if name == "" {
		name = h.eng.DefaultQueue()
	}
	if !h.eng.IsRegisteredQueue(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", name))
		return
	}

	count := 1
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSleepCount {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be 1..%d", maxSleepCount))
			return
		}
		count = n
	}
	upTo := time.Second
	if raw := q.Get("max"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxSleep {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("max must be a duration in (0, %s]", maxSleep))
			return
		}
		upTo = d
	}

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		d := time.Duration(rand.Int64N(int64(upTo)) + 1)
		id, err := h.eng.SubmitFunc(name, "sleep", sleepWork(d))
		if err != nil {
			if errors.Is(err, engine.ErrUnknownQueue) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ids = append(ids, id)
	}
	h.log.Debug("demo tasks submitted", logx.String("queue", name), logx.Int("count", count), logx.Duration("max", upTo))
	writeJSON(w, http.StatusAccepted, map[string]any{"queue": name, "ids": ids})
}

func sleepWork(d time.Duration) engine.Work {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()
	if err := h.eng.Flush(ctx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, storage.ErrBackendUnavailable) {
			code = http.StatusServiceUnavailable
		}
		h.log.Warn("manual flush failed", logx.Err(err))
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
