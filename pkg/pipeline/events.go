package pipeline

import "time"

// Event types
const (
	EventSceneDone       = "scene.done"
	EventCandidateStart  = "candidate.start"
	EventCandidateDone   = "candidate.done"
	EventCandidateFailed = "candidate.failed"
	EventRunDone         = "run.done"
)

// Event reports run progress. Index is the candidate position, or -1 for
// run-level events. Count is the object count for scene.done and the crop
// count otherwise.
type Event struct {
	Type      string    `json:"type"`
	Index     int       `json:"index"`
	Candidate string    `json:"candidate,omitempty"`
	Room      string    `json:"room,omitempty"`
	Count     int       `json:"count"`
	Error     string    `json:"error,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
	Time      time.Time `json:"time"`
}
