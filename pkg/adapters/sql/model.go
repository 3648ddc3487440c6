package sql

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"gorm.io/datatypes"
)

// sessionRow keeps the full record as a JSON document. The indexed columns
// mirror the fields listings filter on; version guards conditional updates.
type sessionRow struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)"`
	PatientID        string         `gorm:"type:varchar(64);index"`
	Status           string         `gorm:"type:varchar(32);index"`
	DoctorID         string         `gorm:"type:varchar(64);index"`
	AssignedDoctorID string         `gorm:"type:varchar(64);index"`
	CreatedAt        time.Time      `gorm:"index;autoCreateTime:false"`
	Version          int64          `gorm:"not null;default:0"`
	Document         datatypes.JSON `gorm:"not null"`
}

func (sessionRow) TableName() string { return "medflow_sessions" }

type patientRow struct {
	ID              string         `gorm:"primaryKey;type:varchar(64)"`
	Document        datatypes.JSON `gorm:"not null"`
	TotalSessions   int            `gorm:"not null;default:0"`
	LastSessionID   string         `gorm:"type:varchar(64)"`
	LastSessionDate *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
}

func (patientRow) TableName() string { return "medflow_patients" }

type counterRow struct {
	Class string `gorm:"primaryKey;type:varchar(32)"`
	Value int64  `gorm:"not null;default:0"`
}

func (counterRow) TableName() string { return "medflow_counters" }

func toSessionRow(s *domain.Session) (*sessionRow, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return &sessionRow{
		ID:               s.ID,
		PatientID:        s.PatientID,
		Status:           string(s.Status),
		DoctorID:         s.DoctorID,
		AssignedDoctorID: s.AssignedDoctorID,
		CreatedAt:        s.CreatedAt.UTC(),
		Document:         datatypes.JSON(doc),
	}, nil
}

func (r *sessionRow) session() (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(r.Document, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", r.ID, err)
	}
	return &s, nil
}

func (r *patientRow) patient() (*domain.Patient, error) {
	var p domain.Patient
	if err := json.Unmarshal(r.Document, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient %s: %w", r.ID, err)
	}
	p.TotalSessions = r.TotalSessions
	p.LastSessionID = r.LastSessionID
	if r.LastSessionDate != nil {
		at := r.LastSessionDate.UTC()
		p.LastSessionDate = &at
	}
	return &p, nil
}
