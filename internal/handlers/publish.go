package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/app"
	"github.com/nbblackbox/gradepipe/internal/blueprint"
	"github.com/nbblackbox/gradepipe/internal/models"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

// HandlePublish replaces the blueprint for an exercise wholesale:
// notebook source, optional asset bundle, submission window, and the
// gradable cell structure extracted from the notebook metadata.
func (h *GradingHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	exerciseID := r.PathValue("exercise")
	if exerciseID == "" {
		logger.Error.Printf("Failed to extract exercise from path: %s", r.URL.Path)
		http.Error(w, "Invalid exercise", http.StatusBadRequest)
		return
	}

	_, staff, err := h.service.Identity(r)
	if err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !staff {
		http.Error(w, "Staff only", http.StatusForbidden)
		return
	}

	if err := r.ParseMultipartForm(maxNotebookBytes); err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}

	startTs, err := strconv.ParseInt(r.FormValue("start_ts"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid start_ts", http.StatusBadRequest)
		return
	}
	stopTs, err := strconv.ParseInt(r.FormValue("stop_ts"), 10, 64)
	if err != nil || stopTs <= startTs {
		http.Error(w, "Invalid stop_ts", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("notebook")
	if err != nil {
		http.Error(w, "Missing notebook file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxNotebookBytes))
	if err != nil {
		logger.Error.Printf("Failed to read upload: %v", err)
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	var bundle []byte
	if bundleFile, _, err := r.FormFile("assets"); err == nil {
		bundle, err = io.ReadAll(io.LimitReader(bundleFile, maxNotebookBytes))
		bundleFile.Close()
		if err != nil {
			http.Error(w, "Failed to read asset bundle", http.StatusBadRequest)
			return
		}
	}

	subs, err := blueprint.Parse(content)
	if err != nil {
		logger.Error.Printf("Blueprint parse failed for %s: %v", exerciseID, err)
		http.Error(w, "Notebook format not understood: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(subs) == 0 {
		http.Error(w, "Notebook contains no gradable subexercises", http.StatusBadRequest)
		return
	}

	bp := &models.Blueprint{
		Exercise:    exerciseID,
		Filename:    header.Filename,
		Content:     content,
		AssetBundle: bundle,
		UploadedTs:  time.Now().Unix(),
	}
	if err := bp.Validate(); err != nil {
		http.Error(w, "Invalid blueprint", http.StatusBadRequest)
		return
	}

	if err := h.service.Store.ReplaceBlueprint(bp, startTs, stopTs, subs); err != nil {
		logger.Error.Printf("Failed to replace blueprint for %s: %v", exerciseID, err)
		http.Error(w, "Failed to store blueprint", http.StatusInternalServerError)
		return
	}

	h.service.Signal.Publish(r.Context(), wakeup.KindBlueprint)
	logger.Info.Printf("Published blueprint %s for %s with %d subexercises",
		header.Filename, exerciseID, len(subs))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"exercise":     exerciseID,
		"subexercises": subs,
	}); err != nil {
		logger.Error.Printf("Failed to encode publish response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// HandleMintToken issues or returns the intake token for an email.
// Staff only, and only meaningful with auth enabled.
func (h *GradingHandler) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	if email == "" {
		http.Error(w, "Invalid email", http.StatusBadRequest)
		return
	}

	_, staff, err := h.service.Identity(r)
	if err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !staff {
		http.Error(w, "Staff only", http.StatusForbidden)
		return
	}
	if !h.service.Auth.Enabled() {
		http.Error(w, "Auth is disabled", http.StatusConflict)
		return
	}

	tm := app.NewTokenManager(h.service.Auth.Redis())
	info, created, err := tm.FetchOrCreateToken(r.Context(), email, r.URL.Query().Get("staff") == "true")
	if err != nil {
		logger.Error.Printf("Failed to mint token for %s: %v", email, err)
		http.Error(w, "Failed to mint token", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error.Printf("Failed to encode token response: %v", err)
	}
}
