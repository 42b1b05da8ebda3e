// Package guardrail holds the human-configured constraints that bound what an
// agent-held signing identity may transact, and the pure evaluation that
// enforces them. Evaluation is side-effect free: the orchestrator supplies the
// rolling recent-spend figure and is the only writer of spend state.
package guardrail
