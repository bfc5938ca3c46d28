// ============================================================================
// HTTP API - 錄影排程的 REST 介面
// ============================================================================
//
// Package: internal/api
// 文件: api.go
//
// 路由:
//   GET    /api/health                      健康檢查
//   POST   /api/schedule-recording          排程新錄影
//   GET    /api/scheduled-recordings        列出所有錄影
//   GET    /api/scheduled-recordings/{id}   取得單一錄影
//   DELETE /api/scheduled-recordings/{id}   取消 pending 錄影
//   GET    /api/catalog                     已登記的錄影目錄（有設定時）
//   GET    /metrics                         Prometheus（有設定時）
//
// 錯誤回應一律為 {"error": "..."}。身分驗證由前置的反向代理處理。
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/catalog"
	"github.com/ChuLiYu/stream-recorder/internal/logger"
	"github.com/ChuLiYu/stream-recorder/internal/scheduler"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// Scheduler API 需要的排程器操作
type Scheduler interface {
	Submit(source, name string, durationSeconds int, startTime time.Time) (types.Job, error)
	Get(id types.JobID) (types.Job, bool)
	List() []types.Job
	Cancel(id types.JobID) bool
}

// Catalog 已完成錄影的目錄
type Catalog interface {
	List(ctx context.Context) ([]catalog.Entry, error)
}

// Options 路由設定
type Options struct {
	Logger  *zap.SugaredLogger
	Metrics http.Handler     // nil 時不掛載 /metrics
	Catalog Catalog          // nil 時不掛載 /api/catalog
	Now     func() time.Time // nil 時使用 time.Now
}

// Recording 對外的錄影表示
type Recording struct {
	ID            types.JobID     `json:"id"`
	StreamURL     string          `json:"streamUrl"`
	PlaylistName  string          `json:"playlistName"`
	LengthSeconds int             `json:"lengthSeconds"`
	StartTime     time.Time       `json:"startTime"`
	Status        types.JobStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	OutputPath    string          `json:"outputPath,omitempty"`
	ErrorDetail   string          `json:"errorDetail,omitempty"`
}

// FromJob 將任務轉成對外表示
func FromJob(j types.Job) Recording {
	return Recording{
		ID:            j.ID,
		StreamURL:     j.Source,
		PlaylistName:  j.Name,
		LengthSeconds: j.DurationSeconds,
		StartTime:     j.StartTime,
		Status:        j.Status,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		OutputPath:    j.OutputPath,
		ErrorDetail:   j.ErrorDetail,
	}
}

type scheduleRequest struct {
	StreamURL     string `json:"streamUrl" validate:"required"`
	PlaylistName  string `json:"playlistName" validate:"required"`
	LengthSeconds int    `json:"lengthSeconds" validate:"required,gt=0"`
	StartTime     string `json:"startTime" validate:"required,rfc3339"`
}

type handler struct {
	sched    Scheduler
	catalog  Catalog
	validate *validator.Validate
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewRouter 建立 HTTP 路由
func NewRouter(sched Scheduler, opts Options) http.Handler {
	h := &handler{
		sched:    sched,
		catalog:  opts.Catalog,
		validate: newValidator(),
		log:      logger.OrNop(opts.Logger),
		now:      opts.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/schedule-recording", h.schedule)
		r.Get("/scheduled-recordings", h.list)
		r.Get("/scheduled-recordings/{id}", h.get)
		r.Delete("/scheduled-recordings/{id}", h.cancel)
		if h.catalog != nil {
			r.Get("/catalog", h.listCatalog)
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// 錯誤在註冊時就會發生，不會在請求中出現
	_ = v.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})
	return v
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.now().UTC(),
	})
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.log.Debugw("Rejected schedule request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, describe(verrs))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, _ := time.Parse(time.RFC3339, req.StartTime)
	if !start.After(h.now()) {
		writeError(w, http.StatusBadRequest, "startTime must be in the future")
		return
	}

	job, err := h.sched.Submit(req.StreamURL, req.PlaylistName, req.LengthSeconds, start)
	switch {
	case errors.Is(err, scheduler.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotRecovered):
		writeError(w, http.StatusServiceUnavailable, "scheduler is not accepting recordings")
		return
	case err != nil:
		h.log.Errorw("Failed to schedule recording", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule recording")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "recording scheduled successfully",
		"recording": FromJob(job),
	})
}

func (h *handler) list(w http.ResponseWriter, _ *http.Request) {
	jobs := h.sched.List()
	out := make([]Recording, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, FromJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (h *handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalog.List(r.Context())
	if err != nil {
		h.log.Errorw("Failed to list catalog", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list catalog")
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.sched.Get(types.JobID(chi.URLParam(r, "id")))
	if !ok {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": FromJob(job)})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if !h.sched.Cancel(id) {
		writeError(w, http.StatusNotFound, "recording not found or cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "recording cancelled successfully"})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// describe 將驗證錯誤轉成單行訊息
func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gt":
			msgs = append(msgs, fe.Field()+" must be a positive number")
		case "rfc3339":
			msgs = append(msgs, "invalid "+fe.Field()+" format")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
