// Package api exposes the stroke-risk service over HTTP: patient
// management, the prediction endpoint, history, trends, population
// statistics and a websocket live feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"strokesense/internal/dl"
	"strokesense/internal/ensemble"
	"strokesense/internal/features"
	"strokesense/internal/imaging"
	"strokesense/internal/ml"
	"strokesense/internal/stats"
	"strokesense/internal/storage"
	"strokesense/internal/trends"
)

const defaultPageSize = 50

// Pipeline runs one prediction end to end.
type Pipeline interface {
	Predict(ctx context.Context, patientID string, v features.Vector, scan *imaging.Scan) (storage.Prediction, error)
}

// Store is the persistence surface the handlers need.
type Store interface {
	CreatePatient(p *storage.Patient) error
	DeletePatient(id string) error
	GetPatient(id string) (storage.Patient, error)
	ListPatients() ([]storage.Patient, error)
	SearchPatients(query string) ([]storage.Patient, error)
	GetPrediction(id string) (storage.Prediction, error)
	PredictionsByPatient(patientID string) ([]storage.Prediction, error)
	ListPredictions() ([]storage.Prediction, error)
}

// ModelInfo carries the loaded artifact metadata for the performance
// and health endpoints.
type ModelInfo struct {
	ML ml.Metadata
	DL dl.Metadata
}

// Config is the subset of service settings the HTTP layer needs.
type Config struct {
	ListenPort     int
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

// Server is the public HTTP API.
type Server struct {
	pipeline Pipeline
	store    Store
	models   ModelInfo
	hub      *Hub
	srv      *http.Server
}

// NewServer wires the router and middleware. hub may be nil to disable
// the live feed endpoint.
func NewServer(cfg Config, pipeline Pipeline, store Store, models ModelInfo, hub *Hub) *Server {
	s := &Server{
		pipeline: pipeline,
		store:    store,
		models:   models,
		hub:      hub,
	}

	limiter := newClientLimiter(cfg.RateLimit, cfg.RateBurst)

	r := mux.NewRouter()
	r.Use(requestLogger, limiter.middleware)

	r.HandleFunc("/api/patients", s.handleCreatePatient).Methods("POST")
	r.HandleFunc("/api/patients", s.handleListPatients).Methods("GET")
	r.HandleFunc("/api/patients/search", s.handleSearchPatients).Methods("GET")
	r.HandleFunc("/api/patients/{id}", s.handleGetPatient).Methods("GET")
	r.HandleFunc("/api/patients/{id}/trends", s.handleTrends).Methods("GET")

	r.HandleFunc("/api/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/api/predictions", s.handleListPredictions).Methods("GET")
	r.HandleFunc("/api/predictions/{id}", s.handleGetPrediction).Methods("GET")

	r.HandleFunc("/api/statistics", s.handleStatistics).Methods("GET")
	r.HandleFunc("/api/model/performance", s.handleModelPerformance).Methods("GET")
	r.HandleFunc("/api/model/compare", s.handleModelCompare).Methods("GET")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	if hub != nil {
		r.HandleFunc("/api/live", hub.handleLive).Methods("GET")
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	return s
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown. Blocks; run on its own goroutine.
func (s *Server) Start() error {
	log.Info().Str("address", s.srv.Addr).Msg("starting API server")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the live feed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.srv.Shutdown(ctx)
}

// createPatientRequest is the JSON body for POST /api/patients.
type createPatientRequest struct {
	Name   string          `json:"name"`
	Age    int             `json:"age"`
	Gender features.Gender `json:"gender"`
	Email  string          `json:"email"`
	Phone  string          `json:"phone"`
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request) {
	var req createPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patient, err := newPatient(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreatePatient(&patient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

func newPatient(req createPatientRequest) (storage.Patient, error) {
	if req.Name == "" {
		return storage.Patient{}, errors.New("name is required")
	}
	if req.Age < features.MinAge || req.Age > features.MaxAge {
		return storage.Patient{}, fmt.Errorf("age %d outside [%d, %d]", req.Age, features.MinAge, features.MaxAge)
	}
	switch req.Gender {
	case features.Male, features.Female, features.Other:
	default:
		return storage.Patient{}, fmt.Errorf("unknown gender %q", req.Gender)
	}

	return storage.Patient{
		Name:   req.Name,
		Age:    req.Age,
		Gender: req.Gender,
		Email:  req.Email,
		Phone:  req.Phone,
	}, nil
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := s.store.ListPatients()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

func (s *Server) handleSearchPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := s.store.SearchPatients(r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	patient, err := s.store.GetPatient(id)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.PredictionsByPatient(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []storage.Prediction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patient":     patient,
		"predictions": history,
	})
}

// handlePredict accepts a multipart form: either patient_id or inline
// name/age/gender, the medical parameters, and an optional scan_image
// file. An inline patient is persisted only once the request parses,
// and is rolled back when the prediction fails, so a rejected request
// never leaves an orphan patient record.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(imaging.MaxBytes + 1<<20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	var patient storage.Patient
	var err error
	inline := false
	if id := r.FormValue("patient_id"); id != "" {
		patient, err = s.store.GetPatient(id)
	} else {
		patient, err = inlinePatient(r)
		inline = true
	}
	if err != nil {
		writeError(w, err)
		return
	}

	vector, err := parseVector(r, patient)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	scan, err := readScan(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if inline {
		if err := s.store.CreatePatient(&patient); err != nil {
			writeError(w, err)
			return
		}
	}

	pred, err := s.pipeline.Predict(r.Context(), patient.ID, vector, scan)
	if err != nil {
		if inline {
			if derr := s.store.DeletePatient(patient.ID); derr != nil {
				log.Error().Err(derr).Str("patient_id", patient.ID).
					Msg("failed to roll back inline patient")
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// inlinePatient builds (but does not persist) a patient from the
// form's name/age/gender fields.
func inlinePatient(r *http.Request) (storage.Patient, error) {
	age, err := strconv.Atoi(r.FormValue("age"))
	if err != nil {
		return storage.Patient{}, fmt.Errorf("%w: age %q", features.ErrInvalidVector, r.FormValue("age"))
	}
	patient, err := newPatient(createPatientRequest{
		Name:   r.FormValue("name"),
		Age:    age,
		Gender: features.Gender(r.FormValue("gender")),
		Email:  r.FormValue("email"),
		Phone:  r.FormValue("phone"),
	})
	if err != nil {
		return storage.Patient{}, fmt.Errorf("%w: %v", features.ErrInvalidVector, err)
	}
	return patient, nil
}

// parseVector builds the feature vector from the form's medical fields;
// age and gender come from the patient record, not the form.
func parseVector(r *http.Request, patient storage.Patient) (features.Vector, error) {
	v := features.Vector{
		Age:         patient.Age,
		Gender:      patient.Gender,
		IsSmoker:    formBool(r, "is_smoker"),
		IsAlcoholic: formBool(r, "is_alcoholic"),
	}

	fields := []struct {
		name string
		dst  *float64
	}{
		{"heart_rate", &v.HeartRate},
		{"bp_systolic", &v.BPSystolic},
		{"bp_diastolic", &v.BPDiastolic},
		{"blood_sugar", &v.BloodSugar},
		{"cholesterol", &v.Cholesterol},
		{"bmi", &v.BMI},
	}
	for _, f := range fields {
		raw := r.FormValue(f.name)
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return features.Vector{}, fmt.Errorf("%w: %s %q", features.ErrInvalidVector, f.name, raw)
		}
		*f.dst = val
	}

	return v, nil
}

func formBool(r *http.Request, name string) bool {
	b, err := strconv.ParseBool(r.FormValue(name))
	return err == nil && b
}

// readScan pulls the optional scan_image file out of the form. No file
// is a nil scan, the tabular-only path.
func readScan(r *http.Request) (*imaging.Scan, error) {
	file, header, err := r.FormFile("scan_image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan_image: %v", imaging.ErrInvalidImage, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, imaging.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read scan_image: %v", imaging.ErrInvalidImage, err)
	}
	if len(data) > imaging.MaxBytes {
		return nil, fmt.Errorf("%w: scan_image exceeds %d byte limit", imaging.ErrInvalidImage, imaging.MaxBytes)
	}

	return &imaging.Scan{Data: data, MediaType: header.Header.Get("Content-Type")}, nil
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	var preds []storage.Prediction
	var err error

	q := r.URL.Query()
	if patientID := q.Get("patient_id"); patientID != "" {
		preds, err = s.store.PredictionsByPatient(patientID)
	} else {
		preds, err = s.store.ListPredictions()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if level := q.Get("risk_level"); level != "" {
		filtered := preds[:0]
		for _, p := range preds {
			if p.RiskLevel == ensemble.RiskLevel(level) {
				filtered = append(filtered, p)
			}
		}
		preds = filtered
	}

	// Newest first for listings; storage returns ascending.
	for i, j := 0, len(preds)-1; i < j; i, j = i+1, j-1 {
		preds[i], preds[j] = preds[j], preds[i]
	}

	total := len(preds)
	offset := queryInt(q.Get("offset"), 0)
	limit := queryInt(q.Get("limit"), defaultPageSize)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	preds = preds[offset:end]
	if preds == nil {
		preds = []storage.Prediction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": preds,
		"total":       total,
		"offset":      offset,
		"limit":       limit,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	pred, err := s.store.GetPrediction(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.GetPatient(id); err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.PredictionsByPatient(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, trends.Aggregate(history))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	patients, err := s.store.ListPatients()
	if err != nil {
		writeError(w, err)
		return
	}
	preds, err := s.store.ListPredictions()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats.Aggregate(patients, preds))
}

func (s *Server) handleModelPerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ml": map[string]any{
			"version":             s.models.ML.Version,
			"classes":             s.models.ML.Classes,
			"feature_names":       s.models.ML.FeatureNames,
			"performance_metrics": s.models.ML.Performance,
		},
		"dl": map[string]any{
			"version":      s.models.DL.Version,
			"classes":      s.models.DL.Classes,
			"input_height": s.models.DL.InputHeight,
			"input_width":  s.models.DL.InputWidth,
		},
	})
}

const compareLimit = 100

// modelComparison is one side-by-side entry for predictions where both
// models contributed.
type modelComparison struct {
	ID            string             `json:"id"`
	PatientName   string             `json:"patient_name"`
	MLProbability float64            `json:"ml_probability"`
	DLProbability float64            `json:"dl_probability"`
	RiskLevel     ensemble.RiskLevel `json:"risk_level"`
	CreatedAt     time.Time          `json:"created_at"`
}

// handleModelCompare lists recent predictions that carry both model
// probabilities, joined with the patient name, newest first.
func (s *Server) handleModelCompare(w http.ResponseWriter, r *http.Request) {
	preds, err := s.store.ListPredictions()
	if err != nil {
		writeError(w, err)
		return
	}
	patients, err := s.store.ListPatients()
	if err != nil {
		writeError(w, err)
		return
	}

	names := make(map[string]string, len(patients))
	for _, p := range patients {
		names[p.ID] = p.Name
	}

	entries := make([]modelComparison, 0)
	for i := len(preds) - 1; i >= 0 && len(entries) < compareLimit; i-- {
		p := preds[i]
		if p.DLProbability == nil {
			continue
		}
		name, ok := names[p.PatientID]
		if !ok {
			name = "Unknown"
		}
		entries = append(entries, modelComparison{
			ID:            p.ID,
			PatientName:   name,
			MLProbability: p.MLProbability,
			DLProbability: *p.DLProbability,
			RiskLevel:     p.RiskLevel,
			CreatedAt:     p.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"comparisons": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageOK := true
	if _, err := s.store.ListPatients(); err != nil {
		storageOK = false
	}

	status := http.StatusOK
	overall := "ok"
	if !storageOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":  overall,
		"storage": storageOK,
		"models": map[string]string{
			"ml": s.models.ML.Version,
			"dl": s.models.DL.Version,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, features.ErrInvalidVector), errors.Is(err, imaging.ErrInvalidImage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ml.ErrModelUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusBadRequest, "request cancelled")
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
