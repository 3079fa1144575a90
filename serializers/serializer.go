// Package serializers encodes job payloads and adapts typed handlers to
// core.HandlerFunc.
package serializers

import (
	"context"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
)

// Serializer converts payload values to and from bytes
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	GetFormat() string
}

// Encode marshals v, wrapping failures in a SerializationError
func Encode(s Serializer, v interface{}) ([]byte, error) {
	data, err := s.Marshal(v)
	if err != nil {
		return nil, errors.NewSerializationError(s.GetFormat(), err)
	}
	return data, nil
}

// Handler decodes each payload into a T before calling fn. A payload that
// does not decode fails permanently since retrying cannot fix it.
func Handler[T any](s Serializer, fn func(ctx context.Context, j *job.Job, payload T) error) core.HandlerFunc {
	return func(ctx context.Context, j *job.Job) error {
		var payload T
		if err := s.Unmarshal(j.Payload, &payload); err != nil {
			return job.Permanent(errors.NewSerializationError(s.GetFormat(), err))
		}
		return fn(ctx, j, payload)
	}
}
