package model

import "time"

// TransformJob is one remote transformation request/response cycle
type TransformJob struct {
	ExternalID string          `json:"externalId"`
	Status     TransformStatus `json:"status"`
	RawStatus  string          `json:"rawStatus,omitempty"`
	ResultURL  string          `json:"resultUrl,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StoredArtifact is a binary written to object storage, referenced by key
type StoredArtifact struct {
	StorageKey  string `json:"storageKey"`
	SizeBytes   uint64 `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

// ProductImage is one entry of a product's image collection
type ProductImage struct {
	ID         int64     `json:"id"`
	ProductID  int64     `json:"productId"`
	StorageKey string    `json:"storageKey"`
	SortOrder  uint      `json:"sortOrder"`
	IsPrimary  bool      `json:"isPrimary"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreditBalance is a read-only snapshot of the remote account balance
type CreditBalance struct {
	Total        float64 `json:"total"`
	Subscription float64 `json:"subscription"`
	OnDemand     float64 `json:"onDemand"`
}

// ImagePayload is a content-type tagged binary blob
type ImagePayload struct {
	Data        []byte
	ContentType string
}

// TryOnRequest is the caller-facing input of one pipeline run
type TryOnRequest struct {
	Image       ImagePayload
	ProductID   *int64
	Category    SubjectCategory
	RequestedBy string
}

// TryOnResult is the success payload of one pipeline run
type TryOnResult struct {
	ExternalID string        `json:"externalId"`
	StorageKey string        `json:"storageKey"`
	PublicURL  string        `json:"publicUrl"`
	SizeBytes  uint64        `json:"sizeBytes"`
	Image      *ProductImage `json:"image,omitempty"`
}

// TryOnStartResponse represents the response when a try-on job is queued
type TryOnStartResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// TryOnStatusResponse represents the status of a try-on job
type TryOnStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TryOnCancelResponse represents the response to a cancel request
type TryOnCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// AttachRequest re-runs catalog attachment for an already stored artifact
type AttachRequest struct {
	ProductID  int64  `json:"productId" validate:"required,gt=0"`
	StorageKey string `json:"storageKey" validate:"required,max=500"`
}

// AttachResponse is returned after a successful attachment
type AttachResponse struct {
	Image     *ProductImage `json:"image"`
	PublicURL string        `json:"publicUrl"`
}
