// Package triage is warden's decision layer. Service is the Decision Engine:
// it correlates an alarm event into an incident, resolves a plan from a
// single matching rule or from the Advisor, applies cost-safe policy and
// hands the plan to the dispatcher. Advisor wraps the LLM oracle, which is
// treated as unreliable: bounded attempts, a hard timeout and a notify-only
// fallback plan.
package triage
