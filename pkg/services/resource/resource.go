// Package resource is a typed view over the metadata store's generic resource table. Services
// whose entities carry no invariants beyond identity and name uniqueness declare a Kind with
// their attribute struct and get create, read, update and delete with service error codes.
package resource

import (
	"context"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

// Kind describes one resource type of a service. T is the attribute struct stored as JSON.
type Kind[T any] struct {
	Service string
	Kind    string

	// NotFound builds the error for a missing resource; nil keeps the store's NotFound.
	NotFound func(id string) *awserr.Error
	// Exists builds the error for a name conflict; nil keeps the store's AlreadyExists.
	Exists func(name string) *awserr.Error
}

// Record is a stored resource with its decoded attributes.
type Record[T any] struct {
	models.Resource
	Data T
}

// New returns an unsaved record stamped with the current time.
func (k Kind[T]) New(st *api.State, id, name, arn string, data T) *Record[T] {
	now := st.Now()
	return &Record[T]{
		Resource: models.Resource{
			Service:   k.Service,
			Kind:      k.Kind,
			ID:        id,
			Name:      name,
			ARN:       arn,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Data: data,
	}
}

func (k Kind[T]) mapErr(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case k.NotFound != nil && awserr.IsKind(err, awserr.KindNotFound):
		return k.NotFound(id)
	case k.Exists != nil && awserr.IsKind(err, awserr.KindAlreadyExists):
		return k.Exists(id)
	}
	return err
}

func decode[T any](r *models.Resource) (*Record[T], error) {
	rec := &Record[T]{Resource: *r}
	if err := r.Decode(&rec.Data); err != nil {
		return nil, awserr.JSON(err)
	}
	return rec, nil
}

// Create saves rec. A name already taken under the same parent fails with Exists.
func (k Kind[T]) Create(ctx context.Context, st *api.State, rec *Record[T]) error {
	rec.Service, rec.Kind = k.Service, k.Kind
	if err := rec.Encode(rec.Data); err != nil {
		return awserr.JSON(err)
	}
	name := rec.Name
	if name == "" {
		name = rec.ID
	}
	return k.mapErr(st.Meta.CreateResource(ctx, &rec.Resource), name)
}

// Get returns the record with id.
func (k Kind[T]) Get(ctx context.Context, st *api.State, id string) (*Record[T], error) {
	r, err := st.Meta.GetResource(ctx, k.Service, k.Kind, id)
	if err != nil {
		return nil, k.mapErr(err, id)
	}
	return decode[T](r)
}

// Find returns the record named name under parent.
func (k Kind[T]) Find(ctx context.Context, st *api.State, parent, name string) (*Record[T], error) {
	r, err := st.Meta.FindResource(ctx, k.Service, k.Kind, parent, name)
	if err != nil {
		return nil, k.mapErr(err, name)
	}
	return decode[T](r)
}

// List returns the records matching filter in creation order. Service and kind are filled in.
func (k Kind[T]) List(ctx context.Context, st *api.State, filter models.ResourceFilter) ([]*Record[T], error) {
	filter.Service, filter.Kind = k.Service, k.Kind
	resources, err := st.Meta.ListResources(ctx, filter)
	if err != nil {
		return nil, err
	}
	records := make([]*Record[T], 0, len(resources))
	for i := range resources {
		rec, err := decode[T](&resources[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Update applies mutate to the stored record and saves it in the same transaction.
func (k Kind[T]) Update(ctx context.Context, st *api.State, id string, mutate func(*Record[T]) error) (*Record[T], error) {
	var out *Record[T]
	_, err := st.Meta.UpdateResource(ctx, k.Service, k.Kind, id, func(r *models.Resource) error {
		rec, err := decode[T](r)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.UpdatedAt = st.Now()
		if err := rec.Encode(rec.Data); err != nil {
			return awserr.JSON(err)
		}
		*r = rec.Resource
		out = rec
		return nil
	})
	if err != nil {
		return nil, k.mapErr(err, id)
	}
	return out, nil
}

// Delete removes the record with id, failing with NotFound when there is none.
func (k Kind[T]) Delete(ctx context.Context, st *api.State, id string) error {
	deleted, err := st.Meta.DeleteResource(ctx, k.Service, k.Kind, id)
	if err != nil {
		return err
	}
	if !deleted {
		return k.mapErr(awserr.NotFound(k.Kind, id), id)
	}
	return nil
}
