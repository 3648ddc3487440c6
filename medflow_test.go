package medflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/medflow"
	"github.com/aretw0/medflow/internal/clock"
	"github.com/aretw0/medflow/internal/inference"
	"github.com/aretw0/medflow/internal/worker"
	"github.com/aretw0/medflow/pkg/adapters/memory"
	redisadapter "github.com/aretw0/medflow/pkg/adapters/redis"
	"github.com/aretw0/medflow/pkg/adapters/stub"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nurse   = domain.Actor{ID: "N-1", Role: domain.RoleNurse, Name: "Nora"}
	doctor  = domain.Actor{ID: "D-1", Role: domain.RoleDoctor, Name: "Dana"}
	doctor2 = domain.Actor{ID: "D-2", Role: domain.RoleDoctor, Name: "Dev"}
	admin   = domain.Actor{ID: "A-1", Role: domain.RoleAdmin}
)

type fixture struct {
	svc   *medflow.Service
	repo  *memory.Store
	queue *memory.Queue
	clock *clock.Managed
	ctx   context.Context
}

func setup(t *testing.T, opts ...medflow.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memory.NewStore(),
		queue: memory.NewQueue(16),
		clock: clock.NewManaged(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)).WithStep(time.Second),
		ctx:   context.Background(),
	}
	base := []medflow.Option{medflow.WithDispatcher(f.queue), medflow.WithClock(f.clock)}
	f.svc = medflow.New(f.repo, append(base, opts...)...)

	_, err := f.svc.RegisterPatient(f.ctx, nurse, domain.Patient{
		ID:              "P-00001",
		Name:            "Ada Lovelace",
		DateOfBirth:     time.Date(1980, 6, 15, 0, 0, 0, 0, time.UTC),
		Sex:             "female",
		ChronicDiseases: []string{"asthma"},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) draft(t *testing.T) *domain.Session {
	t.Helper()
	s, err := f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{
		PatientID:        "P-00001",
		AssignedDoctorID: doctor.ID,
		ChiefComplaint:   "Shortness of breath",
		CurrentState:     "Wheezing since last night, inhaler helps a little",
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) worker(primary, fallback *stub.Provider) *worker.Worker {
	chain := inference.New(primary, inference.WithFallback(fallback))
	return worker.New(f.svc, f.repo, chain, worker.WithClock(f.clock))
}

// reviewing drives a fresh session to doctor_reviewing by doctor.
func (f *fixture) reviewing(t *testing.T) *domain.Session {
	t.Helper()
	s := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("primary"), stub.New("fallback")).Process(f.ctx, s.ID))
	s, err = f.svc.OpenForReview(f.ctx, doctor, s.ID)
	require.NoError(t, err)
	return s
}

func snapshot(t *testing.T, f *fixture, id string) string {
	t.Helper()
	s, err := f.repo.Get(f.ctx, id)
	require.NoError(t, err)
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func assertReason(t *testing.T, err error, reason domain.Reason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRejected)
	got, ok := domain.ReasonOf(err)
	require.True(t, ok, "not a rejection: %v", err)
	assert.Equal(t, reason, got)
}

func TestScenario_FollowUpChain(t *testing.T) {
	f := setup(t)

	s1 := f.draft(t)
	assert.Equal(t, "S-00001", s1.ID)
	assert.Equal(t, domain.StatusDraft, s1.Status)

	_, err := f.svc.SubmitSession(f.ctx, nurse, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.Outstanding(), "dispatcher invoked once")

	job, err := f.queue.Receive(f.ctx)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("google/medgemma-4b-it"), stub.New("microsoft/biogpt")).Process(f.ctx, job.SessionID))
	require.NoError(t, job.Ack(f.ctx))

	s1, err = f.svc.GetSession(f.ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingDoctor, s1.Status)
	require.NotNil(t, s1.Inference.Result)
	assert.Equal(t, inference.LabelPrimary, s1.Inference.Result.Provider)
	require.NotNil(t, s1.Inference.Request)
	assert.Equal(t, 45, s1.Inference.Request.Patient.Age)

	s1, err = f.svc.OpenForReview(f.ctx, doctor, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDoctorReviewing, s1.Status)
	assert.Equal(t, doctor.ID, s1.DoctorID)

	_, err = f.svc.SetDiagnosis(f.ctx, doctor, s1.ID, domain.Diagnosis{PrimaryDiagnosis: "Asthma exacerbation", Severity: "moderate", DoctorNotes: "step up inhaler"})
	require.NoError(t, err)
	_, err = f.svc.SetPendingTests(f.ctx, doctor, s1.ID, domain.PendingTests{Required: true, TestsRequested: []string{"spirometry"}})
	require.NoError(t, err)

	closed, child, err := f.svc.CloseSession(f.ctx, doctor, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingTests, closed.Status)
	require.NotNil(t, child)
	assert.Equal(t, closed.ChildSessionID, child.ID)

	s2, err := f.svc.GetSession(f.ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, s2.Status)
	assert.Equal(t, domain.SessionFollowUp, s2.Type)
	assert.Equal(t, s1.ID, s2.ParentSessionID)
	assert.Equal(t, "Follow-up for: Shortness of breath", s2.ChiefComplaint)

	patient, err := f.svc.GetPatient(f.ctx, "P-00001")
	require.NoError(t, err)
	assert.Equal(t, 1, patient.TotalSessions)
	assert.Equal(t, s1.ID, patient.LastSessionID)

	statuses := make([]domain.Status, 0, len(closed.StatusHistory))
	for _, e := range closed.StatusHistory {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []domain.Status{
		domain.StatusDraft,
		domain.StatusSubmitted,
		domain.StatusVLMProcessing,
		domain.StatusAwaitingDoctor,
		domain.StatusDoctorReviewing,
		domain.StatusPendingTests,
	}, statuses)

	// The follow-up carries the parent's diagnosis into its own analysis.
	_, err = f.svc.SubmitSession(f.ctx, nurse, s2.ID)
	require.NoError(t, err)
	primary := stub.New("primary")
	require.NoError(t, f.worker(primary, stub.New("fallback")).Process(f.ctx, s2.ID))
	require.Len(t, primary.Calls(), 1)
	assert.Contains(t, primary.Calls()[0], "Previous diagnosis: Asthma exacerbation. Notes: step up inhaler")
}

func TestScenario_BothProvidersFail(t *testing.T) {
	f := setup(t)
	s := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)

	w := f.worker(
		stub.New("google/medgemma-4b-it", stub.WithError(errors.New("primary unavailable"))),
		stub.New("microsoft/biogpt", stub.WithError(errors.New("fallback overloaded"))),
	)
	require.NoError(t, w.Process(f.ctx, s.ID))

	s, err = f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVLMFailed, s.Status)
	assert.Contains(t, s.Inference.Error, "primary unavailable")
	assert.Contains(t, s.Inference.Error, "fallback overloaded")
	require.Len(t, s.Inference.Attempts, 2)
	assert.Equal(t, "primary unavailable", s.Inference.Attempts[0].Error)
	assert.Equal(t, "fallback overloaded", s.Inference.Attempts[1].Error)

	queue, err := f.svc.DoctorQueue(f.ctx, doctor, false)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, s.ID, queue[0].ID)

	s, err = f.svc.OpenForReview(f.ctx, doctor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDoctorReviewing, s.Status)
}

func TestSubmit_OnlyOnce(t *testing.T) {
	f := setup(t)
	s := f.draft(t)

	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)

	before := snapshot(t, f, s.ID)
	_, err = f.svc.SubmitSession(f.ctx, nurse, s.ID)
	assertReason(t, err, domain.ReasonWrongState)
	assert.Equal(t, before, snapshot(t, f, s.ID))
	assert.Equal(t, 1, f.queue.Outstanding())
}

func TestRejections_LeaveRecordUntouched(t *testing.T) {
	f := setup(t)
	s := f.draft(t)
	before := snapshot(t, f, s.ID)

	_, err := f.svc.OpenForReview(f.ctx, doctor, s.ID)
	assertReason(t, err, domain.ReasonWrongState)

	_, err = f.svc.SubmitSession(f.ctx, doctor, s.ID)
	assertReason(t, err, domain.ReasonWrongRole)

	_, err = f.svc.SetDiagnosis(f.ctx, doctor, s.ID, domain.Diagnosis{PrimaryDiagnosis: "x", Severity: "mild"})
	assertReason(t, err, domain.ReasonWrongState)

	_, err = f.svc.StartProcessing(f.ctx, s.ID)
	assertReason(t, err, domain.ReasonWrongState)

	assert.Equal(t, before, snapshot(t, f, s.ID))
}

func TestClose_RequiresDiagnosisForAnyRole(t *testing.T) {
	f := setup(t)
	s := f.reviewing(t)
	before := snapshot(t, f, s.ID)

	for _, actor := range []domain.Actor{nurse, doctor, admin, domain.SystemActor} {
		_, _, err := f.svc.CloseSession(f.ctx, actor, s.ID)
		assertReason(t, err, domain.ReasonMissingDiagnosis)
	}
	assert.Equal(t, before, snapshot(t, f, s.ID))
}

func TestClose_CompletedWithoutFollowUp(t *testing.T) {
	f := setup(t)
	s := f.reviewing(t)

	_, err := f.svc.SetDiagnosis(f.ctx, doctor, s.ID, domain.Diagnosis{PrimaryDiagnosis: "Viral bronchitis", Severity: "mild"})
	require.NoError(t, err)

	closed, child, err := f.svc.CloseSession(f.ctx, doctor, s.ID)
	require.NoError(t, err)
	assert.Nil(t, child)
	assert.Equal(t, domain.StatusCompleted, closed.Status)
	assert.Empty(t, closed.ChildSessionID)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, doctor.ID, closed.ClosedBy)

	patient, err := f.svc.GetPatient(f.ctx, "P-00001")
	require.NoError(t, err)
	assert.Equal(t, 1, patient.TotalSessions)
}

func TestClose_RetryNeverSpawnsTwice(t *testing.T) {
	f := setup(t)
	s := f.reviewing(t)
	_, err := f.svc.SetDiagnosis(f.ctx, doctor, s.ID, domain.Diagnosis{PrimaryDiagnosis: "Angina", Severity: "severe"})
	require.NoError(t, err)
	_, err = f.svc.SetPendingTests(f.ctx, doctor, s.ID, domain.PendingTests{Required: true, TestsRequested: []string{"ECG"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.svc.CloseSession(f.ctx, doctor, s.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assertReason(t, err, domain.ReasonWrongState)
	}
	assert.Equal(t, 1, wins)

	_, _, err = f.svc.CloseSession(f.ctx, doctor, s.ID)
	assertReason(t, err, domain.ReasonWrongState)

	all, err := f.svc.PatientSessions(f.ctx, "P-00001")
	require.NoError(t, err)
	children := 0
	for _, sess := range all {
		if sess.ParentSessionID == s.ID {
			children++
		}
	}
	assert.Equal(t, 1, children)

	patient, err := f.svc.GetPatient(f.ctx, "P-00001")
	require.NoError(t, err)
	assert.Equal(t, 1, patient.TotalSessions)
}

func TestOpenForReview_ConcurrentDoctors(t *testing.T) {
	f := setup(t)
	s := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("p"), stub.New("f")).Process(f.ctx, s.ID))

	var wg sync.WaitGroup
	results := make(map[string]error)
	var mu sync.Mutex
	for _, d := range []domain.Actor{doctor, doctor2} {
		wg.Add(1)
		go func(d domain.Actor) {
			defer wg.Done()
			_, err := f.svc.OpenForReview(f.ctx, d, s.ID)
			mu.Lock()
			defer mu.Unlock()
			results[d.ID] = err
		}(d)
	}
	wg.Wait()

	var winner, loser string
	for id, err := range results {
		if err == nil {
			winner = id
		} else {
			loser = id
			assertReason(t, err, domain.ReasonWrongState)
		}
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.DoctorID)
	assert.Equal(t, doctor.ID, stored.AssignedDoctorID, "opening does not rewrite the assignment")
	assert.Empty(t, stored.EditHistory)

	// Same doctor retrying is a no-op success.
	winnerActor := domain.Actor{ID: winner, Role: domain.RoleDoctor}
	before := snapshot(t, f, s.ID)
	again, err := f.svc.OpenForReview(f.ctx, winnerActor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDoctorReviewing, again.Status)
	assert.Equal(t, before, snapshot(t, f, s.ID))
}

func TestWorker_DuplicateDispatchIsNoop(t *testing.T) {
	f := setup(t)
	s := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)

	primary := stub.New("primary")
	w := f.worker(primary, stub.New("fallback"))
	require.NoError(t, w.Process(f.ctx, s.ID))
	before := snapshot(t, f, s.ID)

	require.NoError(t, w.Process(f.ctx, s.ID))
	assert.Equal(t, before, snapshot(t, f, s.ID))
	assert.Len(t, primary.Calls(), 1)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	processing := 0
	for _, e := range stored.StatusHistory {
		if e.Status == domain.StatusVLMProcessing {
			processing++
		}
	}
	assert.Equal(t, 1, processing)
}

type brokenDispatcher struct{}

func (brokenDispatcher) Dispatch(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", domain.ErrDispatchFailure)
}

func TestSubmit_DispatchFailureIsAudited(t *testing.T) {
	f := setup(t, medflow.WithDispatcher(brokenDispatcher{}))
	s := f.draft(t)

	submitted, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, submitted.Status)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.EditHistory)
	last := stored.EditHistory[len(stored.EditHistory)-1]
	assert.Equal(t, "dispatch_error", last.Field)
	assert.Contains(t, last.NewValue, "connection refused")
	assert.Equal(t, domain.StatusSubmitted, stored.Status)
}

func TestEditSession(t *testing.T) {
	f := setup(t)
	s := f.draft(t)

	updated, err := f.svc.EditSession(f.ctx, nurse, s.ID, map[string]any{
		"chief_complaint": "Shortness of breath and chest tightness",
	})
	require.NoError(t, err)
	assert.Equal(t, "Shortness of breath and chest tightness", updated.ChiefComplaint)
	require.Len(t, updated.EditHistory, 1)
	assert.Equal(t, "chief_complaint", updated.EditHistory[0].Field)
	assert.Equal(t, "Shortness of breath", updated.EditHistory[0].OldValue)
	assert.Len(t, updated.StatusHistory, 1, "edits do not add status entries")

	_, err = f.svc.EditSession(f.ctx, nurse, s.ID, map[string]any{"session_status": "completed"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.EditSession(f.ctx, nurse, s.ID, map[string]any{"chief_complaint": "no"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)
	_, err = f.svc.EditSession(f.ctx, nurse, s.ID, map[string]any{"chief_complaint": "Something else entirely"})
	assertReason(t, err, domain.ReasonWrongState)
}

func TestFiles(t *testing.T) {
	f := setup(t)
	s := f.draft(t)

	file, err := f.svc.AttachFile(f.ctx, nurse, s.ID, medflow.FileRef{Name: "chest.png", Type: domain.FileXRay, Path: "uploads/chest.png", MimeType: "image/png", SizeMB: 1.2})
	require.NoError(t, err)
	assert.Regexp(t, `^F-[0-9a-f]{8}$`, file.ID)
	assert.Equal(t, nurse.ID, file.UploadedBy)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Files, 1)

	_, err = f.svc.RemoveFile(f.ctx, nurse, s.ID, "F-missing0")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	updated, err := f.svc.RemoveFile(f.ctx, nurse, s.ID, file.ID)
	require.NoError(t, err)
	assert.Empty(t, updated.Files)
	assert.Len(t, updated.EditHistory, 2)
}

func TestCreateSession_Validation(t *testing.T) {
	f := setup(t)

	_, err := f.svc.CreateSession(f.ctx, doctor, medflow.NewSession{PatientID: "P-00001", ChiefComplaint: "Headache today", CurrentState: "throbbing pain since morning"})
	assertReason(t, err, domain.ReasonWrongRole)

	_, err = f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{PatientID: "P-00001", ChiefComplaint: "ow", CurrentState: "throbbing pain since morning"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{PatientID: "P-00001", ChiefComplaint: "Headache today", CurrentState: "bad"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{PatientID: "P-09999", ChiefComplaint: "Headache today", CurrentState: "throbbing pain since morning"})
	assert.ErrorIs(t, err, domain.ErrPatientNotFound)
}

func TestCreateSession_StripsControlCharacters(t *testing.T) {
	f := setup(t)

	s, err := f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{
		PatientID:      "P-00001",
		ChiefComplaint: "Head\x1bache\x00 today",
		CurrentState:   "throbbing pain\nsince morning",
	})
	require.NoError(t, err)
	assert.Equal(t, "Headache today", s.ChiefComplaint)
	assert.Equal(t, "throbbing pain\nsince morning", s.CurrentState)
}

func TestSessionIDsAreSequential(t *testing.T) {
	f := setup(t)
	a := f.draft(t)
	b := f.draft(t)
	assert.Equal(t, "S-00001", a.ID)
	assert.Equal(t, "S-00002", b.ID)
}

func TestHistoryStartsWithDraft(t *testing.T) {
	f := setup(t)
	s := f.reviewing(t)
	_, err := f.svc.SetDiagnosis(f.ctx, doctor, s.ID, domain.Diagnosis{PrimaryDiagnosis: "Asthma", Severity: "mild"})
	require.NoError(t, err)
	_, err = f.svc.SetPendingTests(f.ctx, doctor, s.ID, domain.PendingTests{Required: true, TestsRequested: []string{"CBC"}})
	require.NoError(t, err)
	_, _, err = f.svc.CloseSession(f.ctx, doctor, s.ID)
	require.NoError(t, err)

	all, err := f.svc.PatientSessions(f.ctx, "P-00001")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, sess := range all {
		require.NotEmpty(t, sess.StatusHistory, sess.ID)
		assert.Equal(t, domain.StatusDraft, sess.StatusHistory[0].Status, sess.ID)
		for i := 1; i < len(sess.StatusHistory); i++ {
			assert.True(t, sess.StatusHistory[i].Timestamp.After(sess.StatusHistory[i-1].Timestamp))
		}
	}
}

func TestConsult(t *testing.T) {
	analyst := inference.New(stub.New("primary", stub.WithResponse("Consider a chest X-ray.")))
	f := setup(t, medflow.WithAnalyst(analyst))

	draft := f.draft(t)
	_, err := f.svc.Consult(f.ctx, doctor, draft.ID, "Should we image?")
	assertReason(t, err, domain.ReasonWrongState)

	s := f.reviewing(t)
	msg, err := f.svc.Consult(f.ctx, doctor, s.ID, "Should we image?")
	require.NoError(t, err)
	assert.Equal(t, "Consider a chest X-ray.", msg.Response)
	assert.Equal(t, inference.LabelPrimary, msg.Provider)

	_, err = f.svc.Consult(f.ctx, nurse, s.ID, "Can I ask too?")
	assertReason(t, err, domain.ReasonWrongRole)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Chat, 1)
	assert.Equal(t, domain.StatusDoctorReviewing, stored.Status)
}

func TestDoctorQueue(t *testing.T) {
	f := setup(t)

	mine := f.reviewing(t)

	waiting := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, waiting.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("p"), stub.New("f")).Process(f.ctx, waiting.ID))

	other, err := f.svc.CreateSession(f.ctx, nurse, medflow.NewSession{
		PatientID:        "P-00001",
		AssignedDoctorID: doctor2.ID,
		ChiefComplaint:   "Twisted ankle",
		CurrentState:     "Swelling after a fall on stairs",
	})
	require.NoError(t, err)
	_, err = f.svc.SubmitSession(f.ctx, nurse, other.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("p"), stub.New("f")).Process(f.ctx, other.ID))

	ids := func(list []*domain.Session) []string {
		out := make([]string, 0, len(list))
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}

	all, err := f.svc.DoctorQueue(f.ctx, doctor, false)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID, waiting.ID, other.ID}, ids(all))

	assigned, err := f.svc.DoctorQueue(f.ctx, doctor, true)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID, waiting.ID}, ids(assigned))

	theirs, err := f.svc.DoctorQueue(f.ctx, doctor2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting.ID, other.ID}, ids(theirs))

	_, err = f.svc.DoctorQueue(f.ctx, nurse, false)
	assertReason(t, err, domain.ReasonWrongRole)
}

func TestStats(t *testing.T) {
	f := setup(t)

	done := f.reviewing(t)
	_, err := f.svc.SetDiagnosis(f.ctx, doctor, done.ID, domain.Diagnosis{PrimaryDiagnosis: "Viral bronchitis", Severity: "mild"})
	require.NoError(t, err)
	_, _, err = f.svc.CloseSession(f.ctx, doctor, done.ID)
	require.NoError(t, err)

	f.reviewing(t)
	waiting := f.draft(t)
	_, err = f.svc.SubmitSession(f.ctx, nurse, waiting.ID)
	require.NoError(t, err)
	require.NoError(t, f.worker(stub.New("p"), stub.New("f")).Process(f.ctx, waiting.ID))
	f.draft(t)

	nurse2 := domain.Actor{ID: "N-2", Role: domain.RoleNurse, Name: "Ned"}
	_, err = f.svc.CreateSession(f.ctx, nurse2, medflow.NewSession{
		PatientID:        "P-00001",
		AssignedDoctorID: doctor2.ID,
		ChiefComplaint:   "Twisted ankle",
		CurrentState:     "Swelling after a fall on stairs",
	})
	require.NoError(t, err)

	got, err := f.svc.Stats(f.ctx, nurse)
	require.NoError(t, err)
	assert.Equal(t, medflow.Stats{"active_sessions": 2, "created_today": 4, "pending_review": 1}, got)

	got, err = f.svc.Stats(f.ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, medflow.Stats{
		"assigned_to_me":      1,
		"currently_reviewing": 1,
		"completed_today":     1,
		"total_assigned":      4,
	}, got)

	got, err = f.svc.Stats(f.ctx, doctor2)
	require.NoError(t, err)
	assert.Equal(t, medflow.Stats{"assigned_to_me": 0, "currently_reviewing": 0, "completed_today": 0, "total_assigned": 1}, got)

	got, err = f.svc.Stats(f.ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, medflow.Stats{"active_sessions": 4, "completed_today": 1, "total_sessions": 5}, got)

	f.clock.WarpForward(24 * time.Hour)

	got, err = f.svc.Stats(f.ctx, nurse)
	require.NoError(t, err)
	assert.Equal(t, 0, got["created_today"])
	got, err = f.svc.Stats(f.ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 0, got["completed_today"])
	assert.Equal(t, 5, got["total_sessions"])

	_, err = f.svc.Stats(f.ctx, domain.SystemActor)
	assertReason(t, err, domain.ReasonWrongRole)
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []domain.Status
}

func (r *statusRecorder) SessionChanged(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s.Status)
}

func TestListener_SeesCommittedChanges(t *testing.T) {
	rec := &statusRecorder{}
	f := setup(t, medflow.WithListener(rec))
	s := f.draft(t)

	_, err := f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitSession(f.ctx, nurse, s.ID)
	assertReason(t, err, domain.ReasonWrongState)
	require.NoError(t, f.worker(stub.New("p"), stub.New("f")).Process(f.ctx, s.ID))

	assert.Equal(t, []domain.Status{
		domain.StatusDraft,
		domain.StatusSubmitted,
		domain.StatusVLMProcessing,
		domain.StatusAwaitingDoctor,
	}, rec.seen, "rejections are not reported")
}

// gatedDispatcher fails every dispatch while down.
type gatedDispatcher struct {
	mu   sync.Mutex
	down bool
	next ports.Dispatcher
}

func (g *gatedDispatcher) setDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	down := g.down
	g.mu.Unlock()
	if down {
		return fmt.Errorf("%w: broker down", domain.ErrDispatchFailure)
	}
	return g.next.Dispatch(ctx, sessionID)
}

func TestReconcile(t *testing.T) {
	queue := memory.NewQueue(16)
	gate := &gatedDispatcher{down: true, next: queue}
	f := setup(t, medflow.WithDispatcher(gate))

	stuck := f.draft(t)
	_, err := f.svc.SubmitSession(f.ctx, nurse, stuck.ID)
	require.NoError(t, err)

	hung := f.draft(t)
	_, err = f.svc.SubmitSession(f.ctx, nurse, hung.ID)
	require.NoError(t, err)
	_, err = f.svc.StartProcessing(f.ctx, hung.ID)
	require.NoError(t, err)

	opts := medflow.ReconcileOptions{SubmittedAfter: 5 * time.Minute, ProcessingAfter: 30 * time.Minute}

	report, err := f.svc.Reconcile(f.ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, report.Redispatched)
	assert.Empty(t, report.TimedOut)

	f.clock.WarpForward(time.Hour)
	report, err = f.svc.Reconcile(f.ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, report.Redispatched, "a failed dispatch is not reported as queued")
	assert.Equal(t, []string{hung.ID}, report.TimedOut)
	assert.Equal(t, 0, queue.Outstanding())

	gate.setDown(false)
	report, err = f.svc.Reconcile(f.ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, report.Redispatched)
	assert.Empty(t, report.TimedOut)
	assert.Equal(t, 1, queue.Outstanding())

	stored, err := f.svc.GetSession(f.ctx, hung.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVLMFailed, stored.Status)
	assert.Contains(t, stored.Inference.Error, "processing exceeded")

	_, err = f.svc.Reconcile(f.ctx, medflow.ReconcileOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReconcile_RequeuesJobHeldByDeadWorker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queue := redisadapter.NewQueue(client, redisadapter.WithPollTimeout(100*time.Millisecond))
	f := setup(t, medflow.WithDispatcher(queue))
	s := f.draft(t)
	_, err = f.svc.SubmitSession(f.ctx, nurse, s.ID)
	require.NoError(t, err)

	// A worker pops the job and dies before acking; the in-flight marker stays.
	_, err = queue.Receive(f.ctx)
	require.NoError(t, err)

	f.clock.WarpForward(10 * time.Minute)
	mr.FastForward(10 * time.Minute)

	report, err := f.svc.Reconcile(f.ctx, medflow.ReconcileOptions{SubmittedAfter: 5 * time.Minute, ProcessingAfter: 30 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, report.Redispatched)

	n, err := queue.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, stored.Status)
}

func TestConflictRetriesExhausted(t *testing.T) {
	f := setup(t)
	s := f.draft(t)

	// A competing writer slips in between read and write on every attempt.
	racer := &racingRepo{Store: f.repo, onApply: func() {
		require.NoError(t, f.repo.AppendAudit(f.ctx, s.ID, domain.EditEntry{Field: "note", ActorID: "X"}))
	}}
	svc := medflow.New(racer, medflow.WithClock(f.clock), medflow.WithConflictRetries(2))

	_, err := svc.SubmitSession(f.ctx, nurse, s.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 3, racer.applies)

	stored, err := f.svc.GetSession(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)
}

type racingRepo struct {
	*memory.Store
	onApply func()
	applies int
}

func (r *racingRepo) Apply(ctx context.Context, id string, change ports.Change) (*domain.Session, error) {
	r.applies++
	r.onApply()
	return r.Store.Apply(ctx, id, change)
}
