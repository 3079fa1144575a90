package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BranchIntl/jobqueue/job"
)

// priorityRank encodes priority so that a lexical ascending sort puts the
// highest priority first. The sign bit is flipped to order negative
// values below positive ones, then every bit is inverted.
func priorityRank(priority int) string {
	biased := uint64(int64(priority)) ^ (1 << 63)
	return fmt.Sprintf("%016x", ^biased)
}

// idFromRank extracts the job id from "<priority>:<seq>:<id>".
func idFromRank(rank string) string {
	parts := strings.SplitN(rank, ":", 3)
	if len(parts) != 3 {
		return rank
	}
	return parts[2]
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func predicateArgs(p job.Predicate) []interface{} {
	statuses := make([]string, len(p.Statuses))
	for i, s := range p.Statuses {
		statuses[i] = string(s)
	}

	staleBefore := ""
	if !p.StaleBefore.IsZero() {
		staleBefore = strconv.FormatInt(toMillis(p.StaleBefore), 10)
	}

	return []interface{}{strings.Join(statuses, ","), p.LockedBy, staleBefore}
}

func patchArgs(p job.Patch) []interface{} {
	var mode, owner string
	var lockedAt, expiresAt int64
	switch {
	case p.Lease != nil:
		mode = "set"
		owner = p.Lease.Owner
		lockedAt = toMillis(p.Lease.AcquiredAt)
		expiresAt = toMillis(p.Lease.ExpiresAt)
	case p.ClearLease:
		mode = "clear"
	}

	delta := "0"
	switch {
	case p.IncrementAttempts:
		delta = "1"
	case p.RefundAttempt:
		delta = "-1"
	}

	errSet, lastError := "0", ""
	if p.LastError != nil {
		errSet, lastError = "1", job.TruncateError(*p.LastError)
	}

	updatedAt := ""
	if !p.UpdatedAt.IsZero() {
		updatedAt = strconv.FormatInt(toMillis(p.UpdatedAt), 10)
	}

	return []interface{}{
		string(p.Status), mode, owner, lockedAt, expiresAt,
		delta, errSet, lastError, updatedAt,
	}
}

func decodeJob(fields map[string]string) (*job.Job, error) {
	var err error
	intField := func(name string) int64 {
		v, ok := fields[name]
		if !ok || v == "" || err != nil {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			err = fmt.Errorf("decode job %s field %s: %w", fields["id"], name, err)
		}
		return n
	}

	j := &job.Job{
		ID:            fields["id"],
		Queue:         fields["queue"],
		Payload:       []byte(fields["payload"]),
		Status:        job.Status(fields["status"]),
		Priority:      int(intField("priority")),
		Attempts:      int(intField("attempts")),
		MaxAttempts:   int(intField("max_attempts")),
		LockedBy:      fields["locked_by"],
		LockedAt:      fromMillis(intField("locked_at")),
		LockExpiresAt: fromMillis(intField("lock_expires_at")),
		LastError:     fields["last_error"],
		CreatedAt:     fromMillis(intField("created_at")),
		UpdatedAt:     fromMillis(intField("updated_at")),
		Seq:           intField("seq"),
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}
