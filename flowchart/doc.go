// Package flowchart implements the auto-mode planning engine. Given an
// objective it drafts a flowchart (team counts plus an ordered list of
// interaction steps), realizes the team through the dispatcher, executes
// the steps per their interaction kind and adapts the plan when steps fail.
//
// A run moves through Drafting, TeamBuilding, Executing and Adapting before
// landing in Completed, Failed or Cancelled. Adapting re-routes a failed
// step to another worker of the same type, scales the team when no
// alternative exists, and escalates to Failed once the step's retries are
// exhausted. Every adaptation supersedes the flowchart with a new version
// that keeps lineage to its predecessor.
package flowchart
