package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/metrics"
	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/scoring"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

const maxNotebookBytes = 16 << 20

type GradingHandler struct {
	service *app.Service
}

func NewGradingHandler(service *app.Service) *GradingHandler {
	return &GradingHandler{
		service: service,
	}
}

// HandleSubmit accepts one notebook upload for an exercise, runs
// admission, and creates the grading request the workers will pick up.
func (h *GradingHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.APIRequestDuration.WithLabelValues(
			r.URL.Path,
			r.Method,
			"202",
		).Observe(duration)
	}()

	exerciseID := r.PathValue("exercise")
	if exerciseID == "" {
		logger.Error.Printf("Failed to extract exercise from path: %s", r.URL.Path)
		http.Error(w, "Invalid exercise", http.StatusBadRequest)
		return
	}

	email, staff, err := h.service.Identity(r)
	if err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	exercise, err := h.service.Store.GetExercise(exerciseID)
	if err != nil {
		logger.Error.Printf("Failed to load exercise %s: %v", exerciseID, err)
		http.Error(w, "Failed to load exercise", http.StatusInternalServerError)
		return
	}
	if exercise == nil {
		http.Error(w, "Exercise not found", http.StatusNotFound)
		return
	}
	if !staff && !exercise.Running(time.Now()) {
		http.Error(w, "No grading is provided for this exercise at this time", http.StatusForbidden)
		return
	}

	blueprint, err := h.service.Store.GetBlueprint(exerciseID)
	if err != nil {
		logger.Error.Printf("Failed to load blueprint for %s: %v", exerciseID, err)
		http.Error(w, "Failed to load blueprint", http.StatusInternalServerError)
		return
	}
	if blueprint == nil {
		http.Error(w, "Exercise has no published blueprint", http.StatusConflict)
		return
	}

	decision, err := h.service.Limiter.Admit(email, exerciseID, time.Now(), staff)
	if err != nil {
		logger.Error.Printf("Admission check failed: %v", err)
		http.Error(w, "Failed to check admission", http.StatusInternalServerError)
		return
	}
	if !decision.Allowed {
		metrics.AdmissionDenialsTotal.WithLabelValues(exerciseID, string(decision.Reason)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"reason":              decision.Reason,
			"message":             decision.Message(),
			"retry_after_seconds": int(decision.RetryAfter.Seconds()),
		})
		return
	}

	if err := r.ParseMultipartForm(maxNotebookBytes); err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("notebook")
	if err != nil {
		http.Error(w, "Missing notebook file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxNotebookBytes))
	if err != nil {
		logger.Error.Printf("Failed to read upload: %v", err)
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	logger.Debug.Printf("Received %d byte notebook %s for %s", len(data), header.Filename, exerciseID)

	request := &models.GradingRequest{
		Identifier:  uuid.New(),
		Email:       email,
		Exercise:    exerciseID,
		RequestedTs: time.Now().Unix(),
	}
	if err := request.Validate(); err != nil {
		http.Error(w, "Invalid submission", http.StatusBadRequest)
		return
	}
	artifact := &models.SubmittedArtifact{
		Request: request.Identifier,
		// stored under the blueprint's filename so the engine finds it
		Filename: blueprint.Filename,
		Data:     data,
	}

	if err := h.service.Store.CreateGradingRequest(request, artifact); err != nil {
		logger.Error.Printf("Failed to create grading request: %v", err)
		http.Error(w, "Failed to create grading request", http.StatusInternalServerError)
		return
	}

	metrics.SubmissionsTotal.WithLabelValues(exerciseID).Inc()
	h.service.Signal.Publish(r.Context(), wakeup.KindGradingJob)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id": request.Identifier,
	})
}

// HandleResult reports pending / graded / errored for one request. Raw
// diagnostics stay internal; errored requests surface a category message.
func (h *GradingHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	request, err := h.service.Store.GetRequest(id)
	if err != nil {
		logger.Error.Printf("Failed to load request %s: %v", id, err)
		http.Error(w, "Failed to load request", http.StatusInternalServerError)
		return
	}
	if request == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	record, err := h.service.Store.GetErrorRecord(id)
	if err != nil {
		logger.Error.Printf("Failed to load error record %s: %v", id, err)
		http.Error(w, "Failed to load result", http.StatusInternalServerError)
		return
	}
	if record != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "errored",
			"message": publicErrorMessage(record.Kind),
		})
		return
	}

	scores, err := h.service.Store.SubexerciseScores(id)
	if err != nil {
		logger.Error.Printf("Failed to load scores %s: %v", id, err)
		http.Error(w, "Failed to load result", http.StatusInternalServerError)
		return
	}
	if len(scores) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "pending",
		})
		return
	}

	summaries, err := scoring.Summarize(scores, h.service.Config.Display.Thresholds)
	if err != nil {
		logger.Error.Printf("Failed to summarize scores %s: %v", id, err)
		http.Error(w, "Failed to load result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "graded",
		"result": summaries,
	}); err != nil {
		logger.Error.Printf("Failed to encode result: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func (h *GradingHandler) HandleListExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.service.Store.ListExercises()
	if err != nil {
		logger.Error.Printf("Failed to list exercises: %v", err)
		http.Error(w, "Failed to list exercises", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	rows := make([]map[string]interface{}, 0, len(exercises))
	for _, ex := range exercises {
		rows = append(rows, map[string]interface{}{
			"identifier": ex.Identifier,
			"active":     ex.Running(now),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"exercises": rows,
	}); err != nil {
		logger.Error.Printf("Failed to encode exercises: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func publicErrorMessage(kind string) string {
	switch kind {
	case models.ErrorKindFormat:
		return "Your notebook could not be matched against the exercise. Please download a fresh copy and try again."
	default:
		return "Something went wrong. Please check your notebook and try again. If the error persists, please contact us."
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
