// Package sql stores sessions, patients and counters through gorm.
// Each session row carries the full JSON document and a version column that
// turns Apply into a compare-and-swap.
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const auditRetries = 5

// Store implements ports.Repository on a relational database.
type Store struct {
	db *gorm.DB
}

var _ ports.Repository = (*Store)(nil)

// New wraps db and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&sessionRow{}, &patientRow{}, &counterRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	raw, err := s.db.DB()
	if err != nil {
		return err
	}
	return raw.Close()
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, session *domain.Session) error {
	row, err := toSessionRow(session)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := sessionExists(tx, session.ID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrSessionExists
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrSessionExists
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func sessionExists(tx *gorm.DB, id string) (bool, error) {
	var n int64
	if err := tx.Model(&sessionRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n > 0, nil
}

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	row, err := loadSession(s.db.WithContext(ctx), sessionID)
	if err != nil {
		return nil, err
	}
	return row.session()
}

func loadSession(tx *gorm.DB, id string) (*sessionRow, error) {
	var row sessionRow
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &row, nil
}

// swap writes next over the row only if nobody bumped its version meanwhile.
func swap(tx *gorm.DB, row *sessionRow, next *domain.Session) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	res := tx.Model(&sessionRow{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(map[string]any{
			"status":             string(next.Status),
			"doctor_id":          next.DoctorID,
			"assigned_doctor_id": next.AssignedDoctorID,
			"document":           datatypes.JSON(doc),
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Apply verifies the status, mutates, and commits the record, the spawned
// child and the patient counters in one transaction.
func (s *Store) Apply(ctx context.Context, sessionID string, change ports.Change) (*domain.Session, error) {
	var out *domain.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadSession(tx, sessionID)
		if err != nil {
			return err
		}
		current, err := row.session()
		if err != nil {
			return err
		}
		if !change.Accepts(current.Status) {
			return domain.ErrConflict
		}

		if change.Closure != nil {
			var n int64
			if err := tx.Model(&patientRow{}).Where("id = ?", change.Closure.PatientID).Count(&n).Error; err != nil {
				return fmt.Errorf("failed to check patient: %w", err)
			}
			if n == 0 {
				return domain.ErrPatientNotFound
			}
		}
		var spawn *sessionRow
		if change.Spawn != nil {
			exists, err := sessionExists(tx, change.Spawn.ID)
			if err != nil {
				return err
			}
			if exists {
				return domain.ErrSessionExists
			}
			if spawn, err = toSessionRow(change.Spawn); err != nil {
				return err
			}
		}

		if change.Mutate != nil {
			if err := change.Mutate(current); err != nil {
				return err
			}
		}
		if err := swap(tx, row, current); err != nil {
			return err
		}

		if spawn != nil {
			if err := tx.Create(spawn).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrSessionExists
				}
				return fmt.Errorf("failed to insert follow-up: %w", err)
			}
		}
		if c := change.Closure; c != nil {
			at := c.At.UTC()
			err := tx.Model(&patientRow{}).
				Where("id = ?", c.PatientID).
				Updates(map[string]any{
					"total_sessions":    gorm.Expr("total_sessions + 1"),
					"last_session_id":   c.SessionID,
					"last_session_date": &at,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to update patient counters: %w", err)
			}
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendAudit appends an edit entry without a status check.
func (s *Store) AppendAudit(ctx context.Context, sessionID string, entry domain.EditEntry) error {
	for i := 0; i < auditRetries; i++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, err := loadSession(tx, sessionID)
			if err != nil {
				return err
			}
			session, err := row.session()
			if err != nil {
				return err
			}
			session.EditHistory = append(session.EditHistory, entry)
			return swap(tx, row, session)
		})
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("failed to append audit entry: %w", domain.ErrConflict)
}

// List returns matching sessions, oldest first.
func (s *Store) List(ctx context.Context, q ports.Query) ([]*domain.Session, error) {
	tx := s.db.WithContext(ctx).Model(&sessionRow{})
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if q.AssignedDoctorID != "" {
		tx = tx.Where("assigned_doctor_id = ?", q.AssignedDoctorID)
	}
	if q.DoctorID != "" {
		tx = tx.Where("doctor_id = ?", q.DoctorID)
	}
	if q.PatientID != "" {
		tx = tx.Where("patient_id = ?", q.PatientID)
	}

	var rows []sessionRow
	if err := tx.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	// Time bounds are checked on the decoded record, which keeps full precision.
	out := make([]*domain.Session, 0, len(rows))
	for i := range rows {
		session, err := rows[i].session()
		if err != nil {
			return nil, err
		}
		if !q.Match(session) {
			continue
		}
		out = append(out, session)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// SavePatient upserts demographics, keeping the counters of an existing record.
func (s *Store) SavePatient(ctx context.Context, patient *domain.Patient) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing patientRow
		err := tx.Where("id = ?", patient.ID).Take(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load patient: %w", err)
		}

		doc := patient.Clone()
		doc.TotalSessions = 0
		doc.LastSessionID = ""
		doc.LastSessionDate = nil
		if found {
			if prev, err := existing.patient(); err == nil && !prev.CreatedAt.IsZero() {
				doc.CreatedAt = prev.CreatedAt
			}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal patient: %w", err)
		}

		if found {
			return tx.Model(&patientRow{}).Where("id = ?", patient.ID).
				Update("document", datatypes.JSON(data)).Error
		}
		return tx.Create(&patientRow{
			ID:        patient.ID,
			Document:  datatypes.JSON(data),
			CreatedAt: doc.CreatedAt.UTC(),
		}).Error
	})
}

// GetPatient retrieves a patient with its counters.
func (s *Store) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	var row patientRow
	err := s.db.WithContext(ctx).Where("id = ?", patientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}
	return row.patient()
}

// Next increments the counter for class with an upsert.
func (s *Store) Next(ctx context.Context, class string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "class"}},
			DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("medflow_counters.value + 1")}),
		}).Create(&counterRow{Class: class, Value: 1}).Error
		if err != nil {
			return err
		}
		var row counterRow
		if err := tx.Where("class = ?", class).Take(&row).Error; err != nil {
			return err
		}
		value = row.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance counter %s: %w", class, err)
	}
	return value, nil
}
