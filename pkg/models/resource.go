package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Resource is a generic control-plane record for services whose entities carry no
// invariants beyond identity and name uniqueness (IAM roles, VPCs, load balancers, ...).
// Service-specific fields live in Attrs as JSON.
type Resource struct {
	Service   string
	Kind      string
	ID        string
	Name      string
	ARN       string
	State     string
	Parent    string
	Attrs     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the resource attributes into v.
func (r *Resource) Decode(v any) error {
	if len(r.Attrs) == 0 {
		return nil
	}
	return json.Unmarshal(r.Attrs, v)
}

// Encode replaces the resource attributes with the JSON form of v.
func (r *Resource) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Attrs = data
	return nil
}

// ResourceFilter narrows ListResources. Empty fields match everything.
type ResourceFilter struct {
	Service string
	Kind    string
	Parent  string
	State   string
	IDs     []string
	Names   []string
}

// EventRecord is a recorded publish or event that is never delivered anywhere.
type EventRecord struct {
	ID        string
	Service   string
	Target    string
	Payload   []byte
	CreatedAt time.Time
}
