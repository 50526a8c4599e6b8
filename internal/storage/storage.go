// Package storage provides persistent data storage for the stroke-risk
// service. It uses BoltDB as the underlying storage engine to store
// patients and their prediction history.
//
// Prediction keys are "patientID_timestamp", which keeps a patient's
// history contiguous and ordered for efficient prefix scans.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"strokesense/internal/ensemble"
	"strokesense/internal/features"
)

const (
	patientsBucket    = "patients"
	predictionsBucket = "predictions"
)

// ErrNotFound indicates a missing patient or prediction.
var ErrNotFound = errors.New("not found")

// Patient is the demographic record predictions attach to.
type Patient struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Age       int             `json:"age"`
	Gender    features.Gender `json:"gender"`
	Email     string          `json:"email,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Prediction is one immutable scoring result, belonging to exactly one
// patient. Field names follow the wire contract consumed by dashboards.
type Prediction struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`

	// Captured inputs.
	Features   features.Vector `json:"features"`
	ScanFormat string          `json:"scan_format,omitempty"`

	// Scoring outputs.
	MLProbability       float64            `json:"ml_probability"`
	DLProbability       *float64           `json:"dl_probability"`
	EnsembleProbability float64            `json:"ensemble_probability"`
	RiskLevel           ensemble.RiskLevel `json:"risk_level"`
	StrokeStage         *string            `json:"stroke_stage"`
	Confidence          float64            `json:"confidence"`
	Recommendations     []string           `json:"recommendations"`
	FeatureImportance   map[string]float64 `json:"feature_importance"`

	CreatedAt time.Time `json:"created_at"`
}

// Store provides persistent storage using BoltDB. Safe for concurrent
// use; BoltDB serializes writers internally.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and ensures the
// required buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "strokesense.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(patientsBucket)); err != nil {
			return fmt.Errorf("create patients bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreatePatient assigns an ID and creation time if unset and persists
// the patient record.
func (s *Store) CreatePatient(p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal patient: %w", err)
		}
		return tx.Bucket([]byte(patientsBucket)).Put([]byte(p.ID), data)
	})
}

// GetPatient returns the patient with the given ID, or ErrNotFound.
func (s *Store) GetPatient(id string) (Patient, error) {
	var p Patient
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(patientsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("patient %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// DeletePatient removes a patient record. Deleting a missing ID is not
// an error. Prediction history is untouched.
func (s *Store) DeletePatient(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(patientsBucket)).Delete([]byte(id))
	})
}

// ListPatients returns all patients, most recently created first.
func (s *Store) ListPatients() ([]Patient, error) {
	var patients []Patient
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(patientsBucket)).ForEach(func(_, v []byte) error {
			var p Patient
			if err := json.Unmarshal(v, &p); err != nil {
				return nil // skip malformed records
			}
			patients = append(patients, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(patients, func(i, j int) bool {
		return patients[i].CreatedAt.After(patients[j].CreatedAt)
	})
	return patients, nil
}

// SearchPatients returns patients whose name contains the query,
// case-insensitively, most recently created first.
func (s *Store) SearchPatients(query string) ([]Patient, error) {
	all, err := s.ListPatients()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	matched := make([]Patient, 0)
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// SavePrediction assigns an ID and creation time if unset and persists
// the prediction under its patient's key prefix.
func (s *Store) SavePrediction(pred *Prediction) error {
	if pred.PatientID == "" {
		return errors.New("prediction requires a patient id")
	}
	if pred.ID == "" {
		pred.ID = uuid.NewString()
	}
	if pred.CreatedAt.IsZero() {
		pred.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(pred)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}
		key := fmt.Sprintf("%s_%020d", pred.PatientID, pred.CreatedAt.UnixNano())
		return tx.Bucket([]byte(predictionsBucket)).Put([]byte(key), data)
	})
}

// GetPrediction returns a prediction by ID, or ErrNotFound. IDs are not
// the storage key, so this is a scan; acceptable at dashboard volumes.
func (s *Store) GetPrediction(id string) (Prediction, error) {
	var found *Prediction
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(predictionsBucket)).ForEach(func(_, v []byte) error {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if p.ID == id {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return Prediction{}, err
	}
	if found == nil {
		return Prediction{}, fmt.Errorf("prediction %s: %w", id, ErrNotFound)
	}
	return *found, nil
}

// PredictionsByPatient returns a patient's predictions ordered by
// creation time ascending, the order the trend aggregator expects.
func (s *Store) PredictionsByPatient(patientID string) ([]Prediction, error) {
	var preds []Prediction
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		prefix := []byte(patientID + "_")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				continue // skip malformed records
			}
			preds = append(preds, p)
		}
		return nil
	})
	return preds, err
}

// ListPredictions returns every stored prediction, creation time
// ascending across all patients.
func (s *Store) ListPredictions() ([]Prediction, error) {
	var preds []Prediction
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(predictionsBucket)).ForEach(func(_, v []byte) error {
			var p Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			preds = append(preds, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(preds, func(i, j int) bool {
		return preds[i].CreatedAt.Before(preds[j].CreatedAt)
	})
	return preds, nil
}
