// Package dag is the planning layer of the engine. It takes the requested
// targets and the active rule set, walks backwards from each target through
// the rules' prerequisite patterns, and produces a Directed Acyclic Graph of
// concrete file targets.
//
// Every vertex records whether its file is fresh, missing or stale. A target
// that is missing, older than one of its inputs, or downstream of a target
// that will be rebuilt carries a Job; everything else is left alone. The
// graph is checked for cycles before it is handed to the scheduler.
package dag
