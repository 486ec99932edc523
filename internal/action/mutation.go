package action

import (
	"context"
	"errors"

	"github.com/ppiankov/trustflow/internal/store"
)

// FieldWriter updates field values of managed objects.
type FieldWriter interface {
	SetProperty(ctx context.Context, resource store.Resource, objectUUID, identifier string, v store.Value) error
	SetAttribute(ctx context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string, v store.Value) error
}

// FieldMutation returns the SET_FIELD backend writing through w.
func FieldMutation(w FieldWriter) Backend {
	return BackendFunc(func(ctx context.Context, req Request) error {
		if req.Field == nil {
			return errors.New("set field: no target field")
		}
		if req.Field.Source == store.SourceProperty {
			return w.SetProperty(ctx, req.Resource, req.ObjectUUID, req.Field.Identifier, req.Value)
		}
		return w.SetAttribute(ctx, req.Resource, req.ObjectUUID, req.Field.Source, req.Field.Identifier, req.Value)
	})
}
