/*
Package domain contains the core models of the MedFlow casework engine.

It defines the clinical review session, its lifecycle vocabulary (statuses, events and
actor roles), the sub-documents a doctor attaches during review and the sentinel errors
shared by every adapter. This package is kept pure and free of I/O so it can be imported
by the state machine, the stores and the transports alike.

# Key Entities

  - Session: one clinical review case, including its audit trail.
  - Status / Event / Role: the vocabulary of the lifecycle state machine.
  - Diagnosis / PendingTests: review sub-documents that gate closure.
  - InferenceRequest / InferenceResult: the processing envelope written by the worker.
  - Patient: the subject of a session; owns the running closure counter.
*/
package domain
