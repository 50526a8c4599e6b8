package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokesense/internal/dl"
	"strokesense/internal/ensemble"
	"strokesense/internal/features"
	"strokesense/internal/imaging"
	"strokesense/internal/ml"
	"strokesense/internal/storage"
)

type fakeStore struct {
	patients    map[string]storage.Patient
	predictions []storage.Prediction
}

func newFakeStore() *fakeStore {
	return &fakeStore{patients: make(map[string]storage.Patient)}
}

func (f *fakeStore) CreatePatient(p *storage.Patient) error {
	if p.ID == "" {
		p.ID = fmt.Sprintf("pat-%d", len(f.patients)+1)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	f.patients[p.ID] = *p
	return nil
}

func (f *fakeStore) DeletePatient(id string) error {
	delete(f.patients, id)
	return nil
}

func (f *fakeStore) GetPatient(id string) (storage.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return storage.Patient{}, fmt.Errorf("patient %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) ListPatients() ([]storage.Patient, error) {
	out := make([]storage.Patient, 0, len(f.patients))
	for _, p := range f.patients {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) SearchPatients(query string) ([]storage.Patient, error) {
	var out []storage.Patient
	for _, p := range f.patients {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPrediction(id string) (storage.Prediction, error) {
	for _, p := range f.predictions {
		if p.ID == id {
			return p, nil
		}
	}
	return storage.Prediction{}, fmt.Errorf("prediction %s: %w", id, storage.ErrNotFound)
}

func (f *fakeStore) PredictionsByPatient(patientID string) ([]storage.Prediction, error) {
	var out []storage.Prediction
	for _, p := range f.predictions {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPredictions() ([]storage.Prediction, error) {
	return append([]storage.Prediction(nil), f.predictions...), nil
}

type fakePipeline struct {
	result storage.Prediction
	err    error
	gotID  string
	gotVec features.Vector
	gotImg *imaging.Scan
}

func (f *fakePipeline) Predict(ctx context.Context, patientID string, v features.Vector, scan *imaging.Scan) (storage.Prediction, error) {
	f.gotID = patientID
	f.gotVec = v
	f.gotImg = scan
	if f.err != nil {
		return storage.Prediction{}, f.err
	}
	res := f.result
	res.PatientID = patientID
	return res, nil
}

func testConfig() Config {
	return Config{ListenPort: 0, RateLimit: 1000, RateBurst: 1000, RequestTimeout: 30 * time.Second}
}

func testModels() ModelInfo {
	return ModelInfo{
		ML: ml.Metadata{Version: "2026.01", Classes: []string{"Low", "Medium", "High"}},
		DL: dl.Metadata{Version: "2026.02", InputHeight: 224, InputWidth: 224,
			Classes: []string{"Normal", "Ischemic", "Hemorrhagic"}},
	}
}

func newTestServer(store Store, pipeline Pipeline) *httptest.Server {
	s := NewServer(testConfig(), pipeline, store, testModels(), NewHub(nil))
	return httptest.NewServer(s.Router())
}

func seedPatient(store *fakeStore) storage.Patient {
	p := storage.Patient{Name: "Jane Doe", Age: 67, Gender: features.Female}
	_ = store.CreatePatient(&p)
	return p
}

func TestCreatePatient(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	body := `{"name":"John Smith","age":54,"gender":"Male","email":"john@example.com"}`
	resp, err := http.Post(srv.URL+"/api/patients", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created storage.Patient
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "John Smith", created.Name)
}

func TestCreatePatient_Invalid(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	cases := map[string]string{
		"missing name": `{"age":54,"gender":"Male"}`,
		"bad age":      `{"name":"X","age":150,"gender":"Male"}`,
		"bad gender":   `{"name":"X","age":54,"gender":"Robot"}`,
		"not json":     `}{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/patients", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetPatient_NotFound(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/patients/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetPatient_WithHistory(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	store.predictions = append(store.predictions, storage.Prediction{
		ID: "pred-1", PatientID: patient.ID, RiskLevel: ensemble.Low,
	})
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/patients/" + patient.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Patient     storage.Patient      `json:"patient"`
		Predictions []storage.Prediction `json:"predictions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, patient.ID, payload.Patient.ID)
	require.Len(t, payload.Predictions, 1)
}

func predictForm(t *testing.T, fields map[string]string, scan []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if scan != nil {
		fw, err := mw.CreateFormFile("scan_image", "scan.png")
		require.NoError(t, err)
		_, err = fw.Write(scan)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func vitalsFields(patientID string) map[string]string {
	return map[string]string{
		"patient_id":   patientID,
		"heart_rate":   "82",
		"bp_systolic":  "150",
		"bp_diastolic": "95",
		"blood_sugar":  "130",
		"cholesterol":  "250",
		"bmi":          "31",
		"is_smoker":    "true",
		"is_alcoholic": "false",
	}
}

func TestPredict(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	pipeline := &fakePipeline{result: storage.Prediction{
		ID: "pred-1", EnsembleProbability: 0.72, RiskLevel: ensemble.High, Confidence: 0.8,
	}}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, vitalsFields(patient.ID), []byte{0x89, 'P', 'N', 'G'})
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pred storage.Prediction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pred))
	assert.Equal(t, ensemble.High, pred.RiskLevel)

	assert.Equal(t, patient.ID, pipeline.gotID)
	assert.Equal(t, 67, pipeline.gotVec.Age)
	assert.Equal(t, features.Female, pipeline.gotVec.Gender)
	assert.Equal(t, 150.0, pipeline.gotVec.BPSystolic)
	assert.True(t, pipeline.gotVec.IsSmoker)
	require.NotNil(t, pipeline.gotImg)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, pipeline.gotImg.Data)
}

func TestPredict_InlinePatient(t *testing.T) {
	store := newFakeStore()
	pipeline := &fakePipeline{result: storage.Prediction{RiskLevel: ensemble.Low}}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, inlineVitalsFields(), nil)
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, store.patients, 1)
	assert.Equal(t, 45, pipeline.gotVec.Age)
	assert.Nil(t, pipeline.gotImg)
}

func inlineVitalsFields() map[string]string {
	fields := vitalsFields("")
	delete(fields, "patient_id")
	fields["name"] = "Alex Roe"
	fields["age"] = "45"
	fields["gender"] = "Other"
	return fields
}

func TestPredict_InlineBadVitalsLeaveNoPatient(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	fields := inlineVitalsFields()
	fields["heart_rate"] = "not-a-number"
	body, contentType := predictForm(t, fields, nil)
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.patients, "rejected request must not persist the inline patient")
}

func TestPredict_InlineRolledBackOnPipelineFailure(t *testing.T) {
	store := newFakeStore()
	pipeline := &fakePipeline{err: fmt.Errorf("image model: %w", imaging.ErrInvalidImage)}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, inlineVitalsFields(), []byte{0xde, 0xad})
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.patients, "failed prediction must roll back the inline patient")
}

func TestPredict_ExistingPatientSurvivesFailure(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	pipeline := &fakePipeline{err: fmt.Errorf("image model: %w", imaging.ErrInvalidImage)}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, vitalsFields(patient.ID), []byte{0xde, 0xad})
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, exists := store.patients[patient.ID]
	assert.True(t, exists, "pre-existing patients are never rolled back")
}

func TestPredict_UnknownPatient(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	body, contentType := predictForm(t, vitalsFields("nobody"), nil)
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPredict_BadVitals(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	fields := vitalsFields(patient.ID)
	fields["heart_rate"] = "not-a-number"
	body, contentType := predictForm(t, fields, nil)
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPredict_InvalidImage(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	pipeline := &fakePipeline{err: fmt.Errorf("image model: %w", imaging.ErrInvalidImage)}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, vitalsFields(patient.ID), []byte{0xde, 0xad})
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPredict_ModelUnavailable(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	pipeline := &fakePipeline{err: fmt.Errorf("tabular model: %w", ml.ErrModelUnavailable)}
	srv := newTestServer(store, pipeline)
	defer srv.Close()

	body, contentType := predictForm(t, vitalsFields(patient.ID), nil)
	resp, err := http.Post(srv.URL+"/api/predict", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListPredictions_FilterAndPaginate(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		level := ensemble.Low
		if i%2 == 0 {
			level = ensemble.High
		}
		store.predictions = append(store.predictions, storage.Prediction{
			ID: fmt.Sprintf("pred-%d", i), PatientID: patient.ID,
			RiskLevel: level, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/predictions?risk_level=High&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Predictions []storage.Prediction `json:"predictions"`
		Total       int                  `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 3, payload.Total)
	require.Len(t, payload.Predictions, 2)
	// Newest first.
	assert.Equal(t, "pred-4", payload.Predictions[0].ID)
	assert.Equal(t, "pred-2", payload.Predictions[1].ID)
}

func TestTrends_UnknownPatient(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/patients/nobody/trends")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatistics(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	store.predictions = append(store.predictions, storage.Prediction{
		ID: "pred-1", PatientID: patient.ID, RiskLevel: ensemble.High,
	})
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		TotalPatients    int            `json:"total_patients"`
		TotalPredictions int            `json:"total_predictions"`
		RiskDistribution map[string]int `json:"risk_distribution"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 1, payload.TotalPatients)
	assert.Equal(t, 1, payload.TotalPredictions)
	assert.Equal(t, 1, payload.RiskDistribution["High"])
}

func TestModelPerformance(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/model/performance")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "2026.01", payload["ml"]["version"])
	assert.Equal(t, "2026.02", payload["dl"]["version"])
}

func TestModelCompare(t *testing.T) {
	store := newFakeStore()
	patient := seedPatient(store)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	dlOld, dlNew := 0.4, 0.9
	store.predictions = append(store.predictions,
		storage.Prediction{ID: "ml-only", PatientID: patient.ID,
			MLProbability: 0.3, RiskLevel: ensemble.Low, CreatedAt: base},
		storage.Prediction{ID: "dual-old", PatientID: patient.ID,
			MLProbability: 0.5, DLProbability: &dlOld,
			RiskLevel: ensemble.Medium, CreatedAt: base.Add(time.Hour)},
		storage.Prediction{ID: "dual-new", PatientID: "ghost",
			MLProbability: 0.8, DLProbability: &dlNew,
			RiskLevel: ensemble.High, CreatedAt: base.Add(2 * time.Hour)},
	)
	srv := newTestServer(store, &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/model/compare")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Comparisons []struct {
			ID            string  `json:"id"`
			PatientName   string  `json:"patient_name"`
			MLProbability float64 `json:"ml_probability"`
			DLProbability float64 `json:"dl_probability"`
			RiskLevel     string  `json:"risk_level"`
		} `json:"comparisons"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	// Only dual-model predictions, newest first.
	require.Len(t, payload.Comparisons, 2)
	assert.Equal(t, "dual-new", payload.Comparisons[0].ID)
	assert.Equal(t, "Unknown", payload.Comparisons[0].PatientName)
	assert.Equal(t, 0.9, payload.Comparisons[0].DLProbability)
	assert.Equal(t, "dual-old", payload.Comparisons[1].ID)
	assert.Equal(t, "Jane Doe", payload.Comparisons[1].PatientName)
	assert.Equal(t, "Medium", payload.Comparisons[1].RiskLevel)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newFakeStore(), &fakePipeline{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	s := NewServer(cfg, &fakePipeline{}, newFakeStore(), testModels(), nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	first, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestLiveFeedBroadcast(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(nil)
	s := NewServer(testConfig(), &fakePipeline{}, store, testModels(), hub)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Registration happens just after the handshake; give it a beat.
	time.Sleep(100 * time.Millisecond)
	hub.Broadcast(storage.Prediction{ID: "pred-live", RiskLevel: ensemble.Medium})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var pred storage.Prediction
	require.NoError(t, json.Unmarshal(data, &pred))
	assert.Equal(t, "pred-live", pred.ID)
}

func TestLiveFeedSurvivesDeadClient(t *testing.T) {
	hub := NewHub(nil)
	s := NewServer(testConfig(), &fakePipeline{}, newFakeStore(), testModels(), hub)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	dead, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	live, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer live.Close()

	time.Sleep(100 * time.Millisecond)

	// Sever the first client's TCP connection without a close handshake.
	dead.UnderlyingConn().Close()

	// Broadcasts keep flowing to the healthy client; the dead one is
	// evicted once its write errors out.
	hub.Broadcast(storage.Prediction{ID: "b1"})
	hub.Broadcast(storage.Prediction{ID: "b2"})

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"b1", "b2"} {
		_, data, err := live.ReadMessage()
		require.NoError(t, err)
		var pred storage.Prediction
		require.NoError(t, json.Unmarshal(data, &pred))
		assert.Equal(t, want, pred.ID)
	}
}
