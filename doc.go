/*
Package medflow is the casework core of a clinical review workflow.

A nurse opens a session, attaches file references and submits it. A background
worker asks an analysis model for a structured assessment, trying a primary
provider and then a fallback. A doctor opens the session for review, consults
the model, records a diagnosis and optionally pending tests, and closes it.
Closing with pending tests spawns a linked follow-up session in the same atomic
write.

# Architecture

Every status change goes through one path:

	caller -> Service -> lifecycle.Decide -> ports.SessionStore.Apply

Decide is a pure transition table. Apply commits the mutation, its audit entries,
an optional child record and an optional patient counter bump together, or not
at all. A lost race surfaces as domain.ErrConflict; the Service re-reads and
re-decides a bounded number of times before returning it.

Submission hands only the session id to a ports.Dispatcher. Workers re-enter the
Service through StartProcessing, OnProcessingComplete and OnProcessingFailed, and
a duplicate dispatch is harmless because processing-start is only legal from
submitted.

# Usage

	repo := memory.NewStore()
	queue := memory.NewQueue(0)
	svc := medflow.New(repo, medflow.WithDispatcher(queue))

	nurse := domain.Actor{ID: "N-1", Role: domain.RoleNurse}
	s, err := svc.CreateSession(ctx, nurse, medflow.NewSession{
		PatientID:      "P-00001",
		ChiefComplaint: "Persistent cough",
		CurrentState:   "Dry cough for two weeks, worse at night",
	})
	if err != nil {
		return err
	}
	_, err = svc.SubmitSession(ctx, nurse, s.ID)
*/
package medflow
