package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/scheduler"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 1 << 20

// ErrResponse is the body of every non-task error
type ErrResponse struct {
	HttpStatusCode int    `json:"http_status_code"`
	Message        string `json:"message"`
}

// StartTaskHandler handles POST /v1/tasks
func (a *Api) StartTaskHandler(w http.ResponseWriter, r *http.Request) {
	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	d.DisallowUnknownFields()

	var req types.StartTaskRequest
	if err := d.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("error unmarshalling request body: %v", err))
		return
	}

	resp := a.svc.StartTask(r.Context(), req)
	status := http.StatusOK
	if resp.ErrorCode != 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// StopTaskHandler handles DELETE /v1/tasks/{taskID}
func (a *Api) StopTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	resp := a.svc.StopTask(r.Context(), taskID)
	status := http.StatusOK
	if resp.ErrorCode != 0 {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp)
}

// GetTaskStatusHandler handles GET /v1/tasks/{taskID}
func (a *Api) GetTaskStatusHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	st, err := a.svc.GetTaskStatus(r.Context(), taskID)
	if errors.Is(err, scheduler.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "status": st})
}

// ListSkillsHandler handles GET /v1/skills?type=&enabled=
func (a *Api) ListSkillsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var enabled *bool
	if raw := q.Get("enabled"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid enabled value %q", raw))
			return
		}
		enabled = &v
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skills": a.svc.ListSkills(q.Get("type"), enabled),
	})
}

// ListDetectionsHandler handles GET /v1/tasks/{taskID}/detections?start=&end=&type=
func (a *Api) ListDetectionsHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	listing, err := a.svc.ListDetections(r.Context(), taskID, storage.Query{Start: start, End: end, Type: q.Get("type")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// parseTime accepts RFC 3339 or unix seconds. Empty means unbounded.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrResponse{HttpStatusCode: status, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
