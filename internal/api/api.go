// Package api serves the task service over HTTP/JSON.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/skill"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// Method names used for permissions, rate limits and metrics
const (
	MethodStartTask      = "StartTask"
	MethodStopTask       = "StopTask"
	MethodGetTaskStatus  = "GetTaskStatus"
	MethodListSkills     = "ListSkills"
	MethodListDetections = "ListDetections"
)

// Service is the task service behind the API
type Service interface {
	StartTask(ctx context.Context, req types.StartTaskRequest) types.TaskResponse
	StopTask(ctx context.Context, taskID string) types.TaskResponse
	GetTaskStatus(ctx context.Context, taskID string) (types.TaskState, error)
	ListSkills(skillType string, enabled *bool) []skill.Descriptor
	ListDetections(ctx context.Context, taskID string, q storage.Query) (*storage.Listing, error)
}

// Api routes HTTP requests to a Service
type Api struct {
	svc     Service
	auth    *authorizer
	limiter *rateLimiter
	Router  *chi.Mux
}

// New builds the router. Authentication is disabled when cfg.Auth has no tokens.
func New(svc Service, cfg *config.Config) *Api {
	a := &Api{
		svc:     svc,
		auth:    newAuthorizer(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
	a.initRouter()
	return a
}

func (a *Api) initRouter() {
	a.Router = chi.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)

	a.Router.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.wrap(MethodStartTask, a.StartTaskHandler))

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", a.wrap(MethodGetTaskStatus, a.GetTaskStatusHandler))
				r.Delete("/", a.wrap(MethodStopTask, a.StopTaskHandler))
				r.Get("/detections", a.wrap(MethodListDetections, a.ListDetectionsHandler))
			})
		})
		r.Get("/skills", a.wrap(MethodListSkills, a.ListSkillsHandler))
	})
}

// wrap applies the per-method chain: logging and metrics, then auth, then rate limit
func (a *Api) wrap(method string, h http.HandlerFunc) http.HandlerFunc {
	return instrument(method, a.authorize(method, a.rateLimit(method, h)))
}

// Server returns an http.Server for the router
func (a *Api) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
