package serializers_test

import (
	"context"
	"testing"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"github.com/BranchIntl/jobqueue/serializers"
	"github.com/BranchIntl/jobqueue/serializers/json"
	"github.com/BranchIntl/jobqueue/serializers/msgpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scrapeRequest struct {
	Airline string   `json:"airline"`
	Routes  []string `json:"routes"`
	Depth   int      `json:"depth"`
}

func TestHandler(t *testing.T) {
	codecs := []serializers.Serializer{json.NewSerializer(), msgpack.NewSerializer()}

	for _, codec := range codecs {
		t.Run(codec.GetFormat(), func(t *testing.T) {
			want := scrapeRequest{Airline: "XY", Routes: []string{"LHR-JFK"}, Depth: 2}
			payload, err := serializers.Encode(codec, want)
			require.NoError(t, err)

			var got scrapeRequest
			h := serializers.Handler(codec, func(ctx context.Context, j *job.Job, req scrapeRequest) error {
				got = req
				return nil
			})

			require.NoError(t, h(context.Background(), &job.Job{ID: "a", Payload: payload}))
			assert.Equal(t, want, got)
		})
	}
}

func TestHandler_UndecodablePayloadIsPermanent(t *testing.T) {
	codecs := []serializers.Serializer{json.NewSerializer(), msgpack.NewSerializer()}

	for _, codec := range codecs {
		t.Run(codec.GetFormat(), func(t *testing.T) {
			called := false
			h := serializers.Handler(codec, func(ctx context.Context, j *job.Job, req scrapeRequest) error {
				called = true
				return nil
			})

			err := h(context.Background(), &job.Job{ID: "a", Payload: []byte{0xc1}})
			require.Error(t, err)
			assert.False(t, called)
			assert.True(t, job.IsPermanent(err))

			var serErr *errors.SerializationError
			require.ErrorAs(t, err, &serErr)
			assert.Equal(t, codec.GetFormat(), serErr.Format)
		})
	}
}

func TestEncode_Error(t *testing.T) {
	_, err := serializers.Encode(json.NewSerializer(), make(chan int))
	var serErr *errors.SerializationError
	assert.ErrorAs(t, err, &serErr)
}
