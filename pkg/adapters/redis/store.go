package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the adapters write.
const DefaultPrefix = "medflow:"

// auditRetries bounds AppendAudit's optimistic loop.
const auditRetries = 5

// Store implements ports.Repository using Redis.
//
// Sessions are JSON strings guarded by WATCH; patients are hashes whose
// closure counters are bumped with HINCRBY inside the same MULTI block as the
// session write.
type Store struct {
	client *backend.Client
	prefix string
}

var _ ports.Repository = (*Store)(nil)

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "sessions"
}

func (s *Store) patientKey(id string) string {
	return s.prefix + "patient:" + id
}

func (s *Store) counterKey(class string) string {
	return s.prefix + "counter:" + class
}

// Patient hash fields.
const (
	fieldDoc           = "doc"
	fieldTotalSessions = "total_sessions"
	fieldLastSession   = "last_session_id"
	fieldLastDate      = "last_session_date"
)

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := s.sessionKey(session.ID)
	err = s.client.Watch(ctx, func(tx *backend.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score(session.CreatedAt), Member: session.ID})
			return nil
		})
		return err
	}, key)
	return s.mapTxErr(err, "create session")
}

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.read(ctx, s.client, sessionID)
}

type getter interface {
	Get(ctx context.Context, key string) *backend.StringCmd
}

func (s *Store) read(ctx context.Context, c getter, sessionID string) (*domain.Session, error) {
	val, err := c.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Apply runs the change in a WATCH/MULTI/EXEC transaction. A write to the
// session key by anyone else between read and EXEC yields domain.ErrConflict.
func (s *Store) Apply(ctx context.Context, sessionID string, change ports.Change) (*domain.Session, error) {
	key := s.sessionKey(sessionID)
	watched := []string{key}
	if change.Spawn != nil {
		watched = append(watched, s.sessionKey(change.Spawn.ID))
	}

	var result *domain.Session
	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		current, err := s.read(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !change.Accepts(current.Status) {
			return domain.ErrConflict
		}

		if change.Closure != nil {
			n, err := tx.Exists(ctx, s.patientKey(change.Closure.PatientID)).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return domain.ErrPatientNotFound
			}
		}

		var spawnData []byte
		if change.Spawn != nil {
			n, err := tx.Exists(ctx, s.sessionKey(change.Spawn.ID)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSessionExists
			}
			if spawnData, err = json.Marshal(change.Spawn); err != nil {
				return fmt.Errorf("failed to marshal child session: %w", err)
			}
		}

		if change.Mutate != nil {
			if err := change.Mutate(current); err != nil {
				return err
			}
		}
		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if change.Spawn != nil {
				pipe.Set(ctx, s.sessionKey(change.Spawn.ID), spawnData, 0)
				pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score(change.Spawn.CreatedAt), Member: change.Spawn.ID})
			}
			if c := change.Closure; c != nil {
				pk := s.patientKey(c.PatientID)
				pipe.HIncrBy(ctx, pk, fieldTotalSessions, 1)
				pipe.HSet(ctx, pk, fieldLastSession, c.SessionID, fieldLastDate, c.At.Format(time.RFC3339Nano))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}, watched...)

	if err := s.mapTxErr(err, "apply change"); err != nil {
		return nil, err
	}
	return result, nil
}

// AppendAudit appends an entry, retrying internally when it races a writer.
func (s *Store) AppendAudit(ctx context.Context, sessionID string, entry domain.EditEntry) error {
	key := s.sessionKey(sessionID)
	for attempt := 0; ; attempt++ {
		err := s.client.Watch(ctx, func(tx *backend.Tx) error {
			current, err := s.read(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			current.EditHistory = append(current.EditHistory, entry)
			data, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, backend.TxFailedErr) && attempt < auditRetries {
			continue
		}
		return s.mapTxErr(err, "append audit")
	}
}

// List scans the creation index, oldest first.
func (s *Store) List(ctx context.Context, q ports.Query) ([]*domain.Session, error) {
	lo, hi := "-inf", "+inf"
	if !q.CreatedFrom.IsZero() {
		lo = strconv.FormatInt(q.CreatedFrom.UnixMilli(), 10)
	}
	if !q.CreatedTo.IsZero() {
		hi = "(" + strconv.FormatInt(q.CreatedTo.UnixMilli(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	out := make([]*domain.Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if !q.Match(&session) {
			continue
		}
		out = append(out, &session)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// SavePatient writes the demographic document; counter fields are left alone.
func (s *Store) SavePatient(ctx context.Context, patient *domain.Patient) error {
	doc := patient.Clone()
	doc.TotalSessions = 0
	doc.LastSessionID = ""
	doc.LastSessionDate = nil

	key := s.patientKey(patient.ID)
	if existing, err := s.client.HGet(ctx, key, fieldDoc).Bytes(); err == nil {
		var prev domain.Patient
		if json.Unmarshal(existing, &prev) == nil && !prev.CreatedAt.IsZero() {
			doc.CreatedAt = prev.CreatedAt
		}
	} else if !errors.Is(err, backend.Nil) {
		return fmt.Errorf("failed to read patient: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal patient: %w", err)
	}
	if err := s.client.HSet(ctx, key, fieldDoc, data).Err(); err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

// GetPatient merges the document with its counters.
func (s *Store) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	fields, err := s.client.HGetAll(ctx, s.patientKey(patientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	doc, ok := fields[fieldDoc]
	if !ok {
		return nil, domain.ErrPatientNotFound
	}

	var patient domain.Patient
	if err := json.Unmarshal([]byte(doc), &patient); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient: %w", err)
	}
	if v := fields[fieldTotalSessions]; v != "" {
		if patient.TotalSessions, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("corrupt session counter for %s: %w", patientID, err)
		}
	}
	patient.LastSessionID = fields[fieldLastSession]
	if v := fields[fieldLastDate]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("corrupt last session date for %s: %w", patientID, err)
		}
		patient.LastSessionDate = &at
	}
	return &patient, nil
}

// Next increments the counter with INCR.
func (s *Store) Next(ctx context.Context, class string) (int64, error) {
	n, err := s.client.Incr(ctx, s.counterKey(class)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", class, err)
	}
	return n, nil
}

func (s *Store) mapTxErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.TxFailedErr):
		return domain.ErrConflict
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSessionExists),
		errors.Is(err, domain.ErrPatientNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrRejected),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrFileNotFound):
		return err
	default:
		var rejected *domain.RejectedError
		if errors.As(err, &rejected) {
			return err
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
