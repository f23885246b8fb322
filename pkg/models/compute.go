package models

import "time"

// Function is a Lambda function. The deployment package lives in the blob store.
type Function struct {
	Name         string            `json:"name"`
	ARN          string            `json:"arn"`
	Runtime      string            `json:"runtime"`
	Role         string            `json:"role"`
	Handler      string            `json:"handler"`
	Description  string            `json:"description,omitempty"`
	Timeout      int               `json:"timeout"`
	MemorySize   int               `json:"memory_size"`
	Environment  map[string]string `json:"environment,omitempty"`
	CodeHash     string            `json:"code_hash"`
	CodeSize     int64             `json:"code_size"`
	CodeSHA256   string            `json:"code_sha256"`
	RevisionID   string            `json:"revision_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastModified time.Time         `json:"last_modified"`
}

// TaskDefinition is one revision of an ECS task definition family.
type TaskDefinition struct {
	Family     string    `json:"family"`
	Revision   int       `json:"revision"`
	ARN        string    `json:"arn"`
	Status     string    `json:"status"`
	Containers []byte    `json:"containers"`
	Attrs      []byte    `json:"attrs,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
