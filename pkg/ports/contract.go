package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractRun atomic.Int64

// RunRepositoryContract runs a suite of tests to verify that a Repository implementation
// adheres to the defined interface contract.
func RunRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	prefix := fmt.Sprintf("contract-%d-%d", time.Now().UnixNano(), contractRun.Add(1))
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	newSession := func(id, patientID string, createdAt time.Time) *domain.Session {
		return &domain.Session{
			ID:               id,
			Type:             domain.SessionNewProblem,
			Status:           domain.StatusDraft,
			PatientID:        patientID,
			CreatedBy:        "N-1",
			AssignedDoctorID: "D-1",
			ChiefComplaint:   "persistent cough",
			CurrentState:     "coughing for two weeks",
			CreatedAt:        createdAt,
			UpdatedAt:        createdAt,
			UpdatedBy:        "N-1",
			StatusHistory: []domain.StatusEntry{
				{Status: domain.StatusDraft, Timestamp: createdAt, ActorID: "N-1"},
			},
		}
	}
	submit := func(s *domain.Session) error {
		s.RecordStatus(domain.StatusSubmitted, domain.Actor{ID: "N-1", Role: domain.RoleNurse}, base.Add(time.Minute))
		return nil
	}

	t.Run("Create and Get", func(t *testing.T) {
		id := prefix + "-create"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))

		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, loaded.ID)
		assert.Equal(t, domain.StatusDraft, loaded.Status)
		assert.Equal(t, "persistent cough", loaded.ChiefComplaint)
		require.Len(t, loaded.StatusHistory, 1)
		assert.True(t, base.Equal(loaded.StatusHistory[0].Timestamp))

		err = repo.Create(ctx, newSession(id, "P-1", base))
		assert.ErrorIs(t, err, domain.ErrSessionExists)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := repo.Get(ctx, prefix+"-missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, err = repo.Apply(ctx, prefix+"-missing", Change{Mutate: submit})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Apply Expected Status", func(t *testing.T) {
		id := prefix + "-apply"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))

		updated, err := repo.Apply(ctx, id, Change{Expect: []domain.Status{domain.StatusDraft}, Mutate: submit})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSubmitted, updated.Status)
		assert.Len(t, updated.StatusHistory, 2)

		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSubmitted, loaded.Status)
		assert.Len(t, loaded.StatusHistory, 2)
	})

	t.Run("Apply Stale Status Conflicts", func(t *testing.T) {
		id := prefix + "-stale"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))

		_, err := repo.Apply(ctx, id, Change{Expect: []domain.Status{domain.StatusAwaitingDoctor}, Mutate: submit})
		assert.ErrorIs(t, err, domain.ErrConflict)

		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDraft, loaded.Status)
		assert.Len(t, loaded.StatusHistory, 1)
	})

	t.Run("Apply Mutation Error Aborts", func(t *testing.T) {
		id := prefix + "-abort"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))
		boom := errors.New("boom")

		_, err := repo.Apply(ctx, id, Change{Mutate: func(s *domain.Session) error {
			s.ChiefComplaint = "changed"
			return boom
		}})
		assert.ErrorIs(t, err, boom)

		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "persistent cough", loaded.ChiefComplaint)
	})

	t.Run("Apply Spawn And Closure", func(t *testing.T) {
		patientID := prefix + "-patient-spawn"
		require.NoError(t, repo.SavePatient(ctx, &domain.Patient{ID: patientID, Name: "Ada"}))

		parentID := prefix + "-parent"
		childID := prefix + "-child"
		require.NoError(t, repo.Create(ctx, newSession(parentID, patientID, base)))

		closedAt := base.Add(time.Hour)
		child := newSession(childID, patientID, closedAt)
		child.Type = domain.SessionFollowUp
		child.ParentSessionID = parentID

		_, err := repo.Apply(ctx, parentID, Change{
			Mutate: func(s *domain.Session) error {
				s.ChildSessionID = childID
				s.RecordStatus(domain.StatusPendingTests, domain.Actor{ID: "D-1"}, closedAt)
				return nil
			},
			Spawn:   child,
			Closure: &domain.PatientClosure{PatientID: patientID, SessionID: parentID, At: closedAt},
		})
		require.NoError(t, err)

		loadedChild, err := repo.Get(ctx, childID)
		require.NoError(t, err)
		assert.Equal(t, parentID, loadedChild.ParentSessionID)
		assert.Equal(t, domain.StatusDraft, loadedChild.Status)

		patient, err := repo.GetPatient(ctx, patientID)
		require.NoError(t, err)
		assert.Equal(t, 1, patient.TotalSessions)
		assert.Equal(t, parentID, patient.LastSessionID)
		require.NotNil(t, patient.LastSessionDate)
		assert.True(t, closedAt.Equal(*patient.LastSessionDate))

		// A spawn that already exists fails the whole unit.
		otherID := prefix + "-other"
		require.NoError(t, repo.Create(ctx, newSession(otherID, patientID, base)))
		_, err = repo.Apply(ctx, otherID, Change{
			Mutate: submit,
			Spawn:  newSession(childID, patientID, base),
		})
		assert.ErrorIs(t, err, domain.ErrSessionExists)

		other, err := repo.Get(ctx, otherID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDraft, other.Status)
	})

	t.Run("Concurrent Apply Single Winner", func(t *testing.T) {
		id := prefix + "-race"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))

		var wg sync.WaitGroup
		var wins, conflicts atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Apply(ctx, id, Change{Expect: []domain.Status{domain.StatusDraft}, Mutate: submit})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, domain.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), conflicts.Load())
		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, loaded.StatusHistory, 2)
	})

	t.Run("Concurrent Closures Keep Every Increment", func(t *testing.T) {
		patientID := prefix + "-patient-count"
		require.NoError(t, repo.SavePatient(ctx, &domain.Patient{ID: patientID, Name: "Grace"}))

		const n = 6
		for i := 0; i < n; i++ {
			require.NoError(t, repo.Create(ctx, newSession(fmt.Sprintf("%s-count-%d", prefix, i), patientID, base)))
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("%s-count-%d", prefix, i)
				_, err := repo.Apply(ctx, id, Change{
					Mutate:  submit,
					Closure: &domain.PatientClosure{PatientID: patientID, SessionID: id, At: base},
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		patient, err := repo.GetPatient(ctx, patientID)
		require.NoError(t, err)
		assert.Equal(t, n, patient.TotalSessions)
	})

	t.Run("AppendAudit", func(t *testing.T) {
		id := prefix + "-audit"
		require.NoError(t, repo.Create(ctx, newSession(id, "P-1", base)))

		entry := domain.EditEntry{Field: "dispatch", NewValue: "queue down", ActorID: "system", Timestamp: base}
		require.NoError(t, repo.AppendAudit(ctx, id, entry))

		loaded, err := repo.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded.EditHistory, 1)
		assert.Equal(t, "queue down", loaded.EditHistory[0].NewValue)
		assert.Equal(t, domain.StatusDraft, loaded.Status)

		assert.ErrorIs(t, repo.AppendAudit(ctx, prefix+"-nope", entry), domain.ErrSessionNotFound)
	})

	t.Run("List", func(t *testing.T) {
		patientID := prefix + "-patient-list"
		first := newSession(prefix+"-list-1", patientID, base.Add(2*time.Hour))
		second := newSession(prefix+"-list-2", patientID, base.Add(time.Hour))
		second.Status = domain.StatusAwaitingDoctor
		require.NoError(t, repo.Create(ctx, first))
		require.NoError(t, repo.Create(ctx, second))

		all, err := repo.List(ctx, Query{PatientID: patientID})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID, "oldest first")

		awaiting, err := repo.List(ctx, Query{PatientID: patientID, Statuses: []domain.Status{domain.StatusAwaitingDoctor}})
		require.NoError(t, err)
		require.Len(t, awaiting, 1)
		assert.Equal(t, second.ID, awaiting[0].ID)
	})

	t.Run("Patients", func(t *testing.T) {
		_, err := repo.GetPatient(ctx, prefix+"-ghost")
		assert.ErrorIs(t, err, domain.ErrPatientNotFound)

		patientID := prefix + "-patient-save"
		require.NoError(t, repo.SavePatient(ctx, &domain.Patient{ID: patientID, Name: "Alan", Sex: "male"}))
		sessionID := prefix + "-patient-save-s"
		require.NoError(t, repo.Create(ctx, newSession(sessionID, patientID, base)))
		_, err = repo.Apply(ctx, sessionID, Change{
			Mutate:  submit,
			Closure: &domain.PatientClosure{PatientID: patientID, SessionID: sessionID, At: base},
		})
		require.NoError(t, err)

		require.NoError(t, repo.SavePatient(ctx, &domain.Patient{ID: patientID, Name: "Alan Turing", Sex: "male"}))
		p, err := repo.GetPatient(ctx, patientID)
		require.NoError(t, err)
		assert.Equal(t, "Alan Turing", p.Name)
		assert.Equal(t, 1, p.TotalSessions, "counters survive demographic saves")
	})

	t.Run("Sequencer", func(t *testing.T) {
		class := prefix + "-seq"
		first, err := repo.Next(ctx, class)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first)

		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[int64]bool{first: true}
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := repo.Next(ctx, class)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, seen[n], "duplicate sequence %d", n)
				seen[n] = true
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 11)
	})
}
