package model

// Job status of an async try-on job as seen by API callers
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions can happen
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// TransformStatus is the normalized status of a remote transformation job
type TransformStatus string

const (
	TransformQueued    TransformStatus = "queued"
	TransformRunning   TransformStatus = "running"
	TransformCompleted TransformStatus = "completed"
	TransformFailed    TransformStatus = "failed"
	TransformUnknown   TransformStatus = "unknown"
)

// IsPending reports whether the remote job is still in flight
func (s TransformStatus) IsPending() bool {
	return s == TransformQueued || s == TransformRunning
}

// SubjectCategory selects which reference subject the garment is rendered on
type SubjectCategory string

const (
	SubjectFemale SubjectCategory = "female"
	SubjectMale   SubjectCategory = "male"
)

// DefaultSubjectCategory applies when the caller does not pick one
const DefaultSubjectCategory = SubjectFemale

var ValidSubjectCategories = []SubjectCategory{SubjectFemale, SubjectMale}

// ParseSubjectCategory maps a caller-supplied flag to a category.
// Empty input yields the default.
func ParseSubjectCategory(s string) (SubjectCategory, bool) {
	switch SubjectCategory(s) {
	case "":
		return DefaultSubjectCategory, true
	case SubjectFemale, SubjectMale:
		return SubjectCategory(s), true
	}
	return "", false
}
