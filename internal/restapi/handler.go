// Package restapi implements the REST and websocket gateway over the
// metadata service.
package restapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/gophermeta/internal/coordinator"
	"github.com/mtiwari1/gophermeta/internal/metadata"
	pb "github.com/mtiwari1/gophermeta/proto"
)

const maxBodyBytes = 4 << 20

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler holds dependencies for REST endpoints.
type Handler struct {
	grpc     pb.MetadataServiceServer
	coord    *coordinator.Coordinator
	checks   map[string]HealthCheck
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a new REST handler. Request, preload, prefetch, stats
// and cache clearing go through the gRPC service implementation; state,
// streaming, job cancellation and invalidation use the coordinator directly.
func NewHandler(
	grpcSrv pb.MetadataServiceServer,
	coord *coordinator.Coordinator,
	checks map[string]HealthCheck,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		grpc:   grpcSrv,
		coord:  coord,
		checks: checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes attaches all REST routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /metadata/request", h.request)
	mux.HandleFunc("POST /metadata/preload", h.preload)
	mux.HandleFunc("POST /metadata/prefetch", h.prefetch)
	mux.HandleFunc("POST /metadata/scope", h.scope)
	mux.HandleFunc("GET /metadata/state/{id}", h.state)
	mux.HandleFunc("GET /metadata/state", h.snapshot)
	mux.HandleFunc("GET /metadata/stream", h.stream)
	mux.HandleFunc("GET /metadata/stats", h.stats)
	mux.HandleFunc("DELETE /metadata/cache", h.clearCache)
	mux.HandleFunc("DELETE /metadata/jobs", h.cancelJobs)
	mux.HandleFunc("DELETE /metadata/{id}", h.invalidate)
	mux.HandleFunc("GET /healthz", h.healthz)
}

func (h *Handler) requestLogger() *slog.Logger {
	return h.logger.With(slog.String("request_id", uuid.New().String()))
}

// ---------- POST /metadata/request ----------

// request answers 200 with the record when the cache satisfies the level and
// 202 with the current status when loading was scheduled.
func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	var req pb.MetadataRequest
	if !decodeBody(w, r, &req, logger) {
		return
	}
	resp, err := h.grpc.Request(r.Context(), &req)
	if err != nil {
		h.fail(w, err, "request", logger)
		return
	}
	code := http.StatusAccepted
	if resp.Status == string(metadata.StatusLoaded) {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

// ---------- POST /metadata/preload ----------

func (h *Handler) preload(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	var req pb.MetadataRequest
	if !decodeBody(w, r, &req, logger) {
		return
	}
	logger.Info("preload request", slog.String("media_id", req.Descriptor.ID), slog.String("level", req.Level))

	resp, err := h.grpc.Preload(r.Context(), &req)
	if err != nil {
		h.fail(w, err, "preload", logger)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------- POST /metadata/prefetch, POST /metadata/scope ----------

func (h *Handler) prefetch(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, false)
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, true)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, scope bool) {
	logger := h.requestLogger()

	var req pb.PrefetchRequest
	if !decodeBody(w, r, &req, logger) {
		return
	}
	req.Scope = scope
	resp, err := h.grpc.Prefetch(r.Context(), &req)
	if err != nil {
		h.fail(w, err, "prefetch", logger)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ---------- GET /metadata/state[/{id}] ----------

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing media id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.State(id))
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Snapshot())
}

// ---------- GET /metadata/stats ----------

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.grpc.Stats(r.Context(), &pb.StatsRequest{})
	if err != nil {
		h.fail(w, err, "stats", h.requestLogger())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------- DELETE /metadata/cache, /metadata/jobs, /metadata/{id} ----------

// clearCache clears both tiers, or only the fast tier with ?scope=memory.
func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger()

	memoryOnly := false
	switch r.URL.Query().Get("scope") {
	case "", "all":
	case "memory":
		memoryOnly = true
	default:
		http.Error(w, "scope must be memory or all", http.StatusBadRequest)
		return
	}
	logger.Info("clear cache request", slog.Bool("memory_only", memoryOnly))

	if _, err := h.grpc.ClearCache(r.Context(), &pb.ClearCacheRequest{MemoryOnly: memoryOnly}); err != nil {
		h.fail(w, err, "clear cache", logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelJobs(w http.ResponseWriter, r *http.Request) {
	h.requestLogger().Info("cancel all jobs request", slog.Int("active_jobs", h.coord.ActiveJobs()))
	h.coord.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing media id", http.StatusBadRequest)
		return
	}
	h.requestLogger().Info("invalidate request", slog.String("media_id", id))
	h.coord.Invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// ---------- GET /healthz ----------

// healthz runs every registered dependency check.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	result := map[string]string{"status": "ok"}
	httpStatus := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			result["status"] = "degraded"
			result[name] = "unreachable: " + err.Error()
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, httpStatus, result)
}

func (h *Handler) fail(w http.ResponseWriter, err error, what string, logger *slog.Logger) {
	code := grpcToHTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logger.Error(what, slog.String("error", err.Error()))
	} else {
		logger.Info(what+" rejected", slog.String("error", err.Error()))
	}
	msg := err.Error()
	if st, ok := status.FromError(err); ok {
		msg = st.Message()
	}
	http.Error(w, msg, code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Info("invalid request body", slog.String("error", err.Error()))
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// grpcToHTTPStatus maps gRPC status codes to HTTP status codes.
func grpcToHTTPStatus(err error) int {
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch st.Code() {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DataLoss:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
