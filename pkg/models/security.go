package models

import (
	"bytes"
	"slices"
	"time"
)

// KMS key states.
const (
	KeyEnabled         = "Enabled"
	KeyDisabled        = "Disabled"
	KeyPendingDeletion = "PendingDeletion"
)

// Key is a KMS key. No key material exists.
type Key struct {
	ID           string     `json:"id"`
	ARN          string     `json:"arn"`
	Description  string     `json:"description"`
	Usage        string     `json:"usage"`
	Spec         string     `json:"spec"`
	State        string     `json:"state"`
	DeletionDate *time.Time `json:"deletion_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Alias maps an alias/ name onto a key.
type Alias struct {
	Name      string    `json:"name"`
	ARN       string    `json:"arn"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Secret version stages.
const (
	StageCurrent  = "AWSCURRENT"
	StagePrevious = "AWSPREVIOUS"
)

// Secret is a Secrets Manager secret without its values.
type Secret struct {
	Name        string            `json:"name"`
	ARN         string            `json:"arn"`
	Description string            `json:"description,omitempty"`
	KMSKeyID    string            `json:"kms_key_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
}

// SecretVersion is one stored value of a secret.
type SecretVersion struct {
	Secret       string    `json:"secret"`
	VersionID    string    `json:"version_id"`
	SecretString *string   `json:"secret_string,omitempty"`
	SecretBinary []byte    `json:"secret_binary,omitempty"`
	Stages       []string  `json:"stages"`
	CreatedAt    time.Time `json:"created_at"`
}

// SameValue reports whether v and other hold the same secret value.
func (v *SecretVersion) SameValue(other *SecretVersion) bool {
	if (v.SecretString == nil) != (other.SecretString == nil) {
		return false
	}
	if v.SecretString != nil && *v.SecretString != *other.SecretString {
		return false
	}
	return bytes.Equal(v.SecretBinary, other.SecretBinary)
}

// HasStage reports whether the version carries stage.
func (v *SecretVersion) HasStage(stage string) bool {
	return slices.Contains(v.Stages, stage)
}
