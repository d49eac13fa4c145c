package model

import "time"

// Job represents a background try-on job in the system
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"`
}

// JobError is the persisted form of a pipeline failure
type JobError struct {
	Stage      string `json:"stage"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	ResultURL  string `json:"resultUrl,omitempty"`
	StorageKey string `json:"storageKey,omitempty"`
}

const JobTypeTryOn = "tryon"

// TryOnJobPayload contains the data for a queued try-on job
type TryOnJobPayload struct {
	Image       []byte          `json:"image"`
	ContentType string          `json:"contentType"`
	ProductID   *int64          `json:"productId,omitempty"`
	Category    SubjectCategory `json:"category"`
	RequestedBy string          `json:"requestedBy,omitempty"`
}
