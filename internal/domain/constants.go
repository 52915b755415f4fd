package domain

// JobKind identifies what a job asks a provider to produce
type JobKind string

const (
	KindImageGeneration JobKind = "image-generation"
	KindVideoGeneration JobKind = "video-generation"
	KindVoiceClone      JobKind = "voice-clone"
	KindVoiceSynthesis  JobKind = "voice-synthesis"
	KindSceneTransition JobKind = "scene-transition"
	KindComposition     JobKind = "composition"
)

// AllKinds lists every supported job kind
var AllKinds = []JobKind{
	KindImageGeneration,
	KindVideoGeneration,
	KindVoiceClone,
	KindVoiceSynthesis,
	KindSceneTransition,
	KindComposition,
}

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// HasDuration reports whether jobs of this kind are billed by output length
func (k JobKind) HasDuration() bool {
	switch k {
	case KindVideoGeneration, KindSceneTransition, KindVoiceSynthesis, KindComposition:
		return true
	default:
		return false
	}
}

// JobStatus is a state of the job lifecycle
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusSubmitting JobStatus = "submitting"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
	JobStatusTimedOut   JobStatus = "timed-out"
)

// IsTerminal reports whether no further transitions can happen from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusSubmitting, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// transitions holds the forward edges of the state machine.
// submitting -> failed is the submission error path.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusSubmitting},
	JobStatusSubmitting: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning:    {JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusTimedOut},
}

// CanTransitionTo reports whether moving from s to next is a legal forward step
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BatchKind identifies how the members of a batch relate to each other
type BatchKind string

const (
	BatchKindVariationSet    BatchKind = "variation-set"
	BatchKindTransitionChain BatchKind = "transition-chain"
)

// AnonymousOwner is the degraded-mode identity accepted for testing
const AnonymousOwner = "anonymous"
