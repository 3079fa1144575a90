package mongo

import (
	"time"

	"github.com/BranchIntl/jobqueue/job"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	jobsCollection     = "jobqueue_jobs"
	locksCollection    = "jobqueue_locks"
	countersCollection = "jobqueue_counters"
	jobSeqCounter      = "jobs"
)

// jobDocument is the persisted shape of a job
type jobDocument struct {
	ID            string     `bson:"_id"`
	Queue         string     `bson:"queue_name"`
	Payload       []byte     `bson:"payload"`
	Status        string     `bson:"status"`
	Priority      int        `bson:"priority"`
	Attempts      int        `bson:"attempts"`
	MaxAttempts   int        `bson:"max_attempts"`
	LockedBy      string     `bson:"locked_by,omitempty"`
	LockedAt      *time.Time `bson:"locked_at,omitempty"`
	LockExpiresAt *time.Time `bson:"lock_expires_at,omitempty"`
	LastError     string     `bson:"last_error,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	Seq           int64      `bson:"seq"`
}

func fromJob(j *job.Job) jobDocument {
	return jobDocument{
		ID:          j.ID,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Status:      string(job.StatusQueued),
		Priority:    j.Priority,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt.UTC(),
		UpdatedAt:   j.UpdatedAt.UTC(),
		Seq:         j.Seq,
	}
}

func (d jobDocument) toJob() *job.Job {
	j := &job.Job{
		ID:          d.ID,
		Queue:       d.Queue,
		Payload:     d.Payload,
		Status:      job.Status(d.Status),
		Priority:    d.Priority,
		Attempts:    d.Attempts,
		MaxAttempts: d.MaxAttempts,
		LockedBy:    d.LockedBy,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		Seq:         d.Seq,
	}
	if d.LockedAt != nil {
		j.LockedAt = d.LockedAt.UTC()
	}
	if d.LockExpiresAt != nil {
		j.LockExpiresAt = d.LockExpiresAt.UTC()
	}
	return j
}

// lockDocument is the persisted shape of a named lease
type lockDocument struct {
	Name       string    `bson:"_id"`
	Owner      string    `bson:"owner"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// predicateFilter renders pred as a filter on the job with id
func predicateFilter(id string, pred job.Predicate) bson.D {
	filter := bson.D{{Key: "_id", Value: id}}

	if len(pred.Statuses) > 0 {
		statuses := make(bson.A, len(pred.Statuses))
		for i, s := range pred.Statuses {
			statuses[i] = string(s)
		}
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}})
	}
	if pred.LockedBy != "" {
		filter = append(filter, bson.E{Key: "locked_by", Value: pred.LockedBy})
	}
	if !pred.StaleBefore.IsZero() {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: bson.D{{Key: "$ne", Value: string(job.StatusLocked)}}}},
			bson.D{{Key: "lock_expires_at", Value: bson.D{{Key: "$lt", Value: pred.StaleBefore.UTC()}}}},
		}})
	}
	return filter
}

// patchUpdate renders patch as an update document
func patchUpdate(patch job.Patch) bson.D {
	set := bson.D{}
	unset := bson.D{}
	inc := bson.D{}

	if patch.Status != "" {
		set = append(set, bson.E{Key: "status", Value: string(patch.Status)})
	}
	switch {
	case patch.Lease != nil:
		set = append(set,
			bson.E{Key: "locked_by", Value: patch.Lease.Owner},
			bson.E{Key: "locked_at", Value: patch.Lease.AcquiredAt.UTC()},
			bson.E{Key: "lock_expires_at", Value: patch.Lease.ExpiresAt.UTC()},
		)
	case patch.ClearLease:
		unset = append(unset,
			bson.E{Key: "locked_by", Value: ""},
			bson.E{Key: "locked_at", Value: ""},
			bson.E{Key: "lock_expires_at", Value: ""},
		)
	}
	switch {
	case patch.IncrementAttempts:
		inc = append(inc, bson.E{Key: "attempts", Value: 1})
	case patch.RefundAttempt:
		// claimed jobs always carry at least one attempt
		inc = append(inc, bson.E{Key: "attempts", Value: -1})
	}
	if patch.LastError != nil {
		set = append(set, bson.E{Key: "last_error", Value: job.TruncateError(*patch.LastError)})
	}
	if !patch.UpdatedAt.IsZero() {
		set = append(set, bson.E{Key: "updated_at", Value: patch.UpdatedAt.UTC()})
	}

	update := bson.D{}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	if len(inc) > 0 {
		update = append(update, bson.E{Key: "$inc", Value: inc})
	}
	if len(update) == 0 {
		// an update document may not be empty
		update = bson.D{{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 0}}}}
	}
	return update
}
