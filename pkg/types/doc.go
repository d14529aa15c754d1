/*
Package types defines the core data structures shared across the gateway.

It has no behavior of its own: Agent (logical, derived every registry
refresh), InvocationJob (persisted, owned exclusively by the Invocation
Engine's state machine), AuditEntry (persisted, append-only, hash-linked),
and AgentPolicy/ConfigSnapshot (the Config View's immutable read model).

# State Machine

InvocationJob.State follows exactly one path, never revisited:

	queued -> running -> {completed, failed}

Only pkg/engine writes State, StartedAt, EndedAt, Result, or Error; every
other package treats InvocationJob as read-only.

# Thread Safety

Values in this package carry no synchronization of their own. Callers
holding a *ConfigSnapshot or *AgentPolicy must treat it as immutable and
replace the pointer, never mutate through it, to match pkg/config's
pointer-swap discipline.
*/
package types
