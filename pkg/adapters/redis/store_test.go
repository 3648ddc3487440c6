package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/medflow/pkg/adapters/redis"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)
	store := redis.NewFromClient(client)
	ports.RunRepositoryContract(t, store)
}

func TestRedisStore_Layout(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client, redis.WithPrefix("test:"))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SavePatient(ctx, &domain.Patient{ID: "P-00001", Name: "Ada"}))
	require.NoError(t, store.Create(ctx, &domain.Session{
		ID:            "S-00001",
		PatientID:     "P-00001",
		Status:        domain.StatusDoctorReviewing,
		CreatedAt:     now,
		StatusHistory: []domain.StatusEntry{{Status: domain.StatusDraft, Timestamp: now}},
	}))

	assert.True(t, mr.Exists("test:session:S-00001"))
	members, err := mr.ZMembers("test:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{"S-00001"}, members)

	_, err = store.Apply(ctx, "S-00001", ports.Change{
		Expect:  []domain.Status{domain.StatusDoctorReviewing},
		Mutate:  func(s *domain.Session) error { s.Status = domain.StatusCompleted; return nil },
		Closure: &domain.PatientClosure{PatientID: "P-00001", SessionID: "S-00001", At: now},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", mr.HGet("test:patient:P-00001", "total_sessions"))
	assert.Equal(t, "S-00001", mr.HGet("test:patient:P-00001", "last_session_id"))

	n, err := store.Next(ctx, domain.CounterSession)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := mr.Get("test:counter:session_id")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestRedisStore_ClosureForMissingPatient(t *testing.T) {
	_, client := newClient(t)
	store := redis.NewFromClient(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.Session{ID: "S-00001", PatientID: "P-404", Status: domain.StatusDoctorReviewing}))
	_, err := store.Apply(ctx, "S-00001", ports.Change{
		Mutate:  func(s *domain.Session) error { s.Status = domain.StatusCompleted; return nil },
		Closure: &domain.PatientClosure{PatientID: "P-404", SessionID: "S-00001"},
	})
	assert.ErrorIs(t, err, domain.ErrPatientNotFound)

	loaded, err := store.Get(ctx, "S-00001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDoctorReviewing, loaded.Status)
}
