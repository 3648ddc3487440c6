/*
Package ports defines the driven ports (interfaces) of the MedFlow casework engine.

These interfaces decouple the lifecycle core from its infrastructure, allowing the same
service to run on an in-memory store during tests and on Redis or a SQL database in
production, and to dispatch work through a channel, a Redis list, Kafka or SQS.

# Key Interfaces

  - SessionStore: durable session records with an atomic conditional update (Apply).
  - PatientStore: patient lookups; closure counters are bumped inside Apply.
  - Sequencer: atomic increment-and-read counters per identifier class.
  - Dispatcher / JobSource: the two ends of the processing queue.
  - Provider: an external text-generation service used by the worker.
  - DistributedLocker: cross-replica mutual exclusion for maintenance sweeps.
*/
package ports
