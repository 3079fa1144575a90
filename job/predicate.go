package job

import "time"

// Predicate is the precondition a store checks in the same atomic
// operation that applies a Patch. Zero-valued fields are not checked.
type Predicate struct {
	// Statuses restricts the current status.
	Statuses []Status

	// LockedBy requires the current lease holder to match.
	LockedBy string

	// StaleBefore lets a locked job match only if its lease expired
	// strictly before this instant. Jobs in other statuses are unaffected.
	StaleBefore time.Time
}

// Claimable matches jobs eligible for claim at now: queued jobs and
// locked jobs whose lease has expired.
func Claimable(now time.Time) Predicate {
	return Predicate{
		Statuses:    []Status{StatusQueued, StatusLocked},
		StaleBefore: now,
	}
}

// HeldBy matches jobs currently locked by owner.
func HeldBy(owner string) Predicate {
	return Predicate{
		Statuses: []Status{StatusLocked},
		LockedBy: owner,
	}
}

// StaleAt matches locked jobs whose lease expired before now.
func StaleAt(now time.Time) Predicate {
	return Predicate{
		Statuses:    []Status{StatusLocked},
		StaleBefore: now,
	}
}

// Matches reports whether j satisfies the predicate.
func (p Predicate) Matches(j *Job) bool {
	if j == nil {
		return false
	}
	if len(p.Statuses) > 0 {
		found := false
		for _, s := range p.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.LockedBy != "" && j.LockedBy != p.LockedBy {
		return false
	}
	if !p.StaleBefore.IsZero() && j.Status == StatusLocked {
		if j.LockExpiresAt.IsZero() || !j.LockExpiresAt.Before(p.StaleBefore) {
			return false
		}
	}
	return true
}

// Patch is a field-level mutation of a job document.
type Patch struct {
	// Status replaces the status unless empty.
	Status Status

	// Lease installs a new holder. It wins over ClearLease.
	Lease *Lease

	// ClearLease removes the holder and lease timestamps.
	ClearLease bool

	IncrementAttempts bool

	// RefundAttempt takes back the attempt counted by the claim, for work
	// interrupted before it could finish. Attempts never drop below zero.
	RefundAttempt bool

	// LastError overwrites the last failure reason when non-nil.
	LastError *string

	UpdatedAt time.Time
}

// Apply mutates j in place.
func (p Patch) Apply(j *Job) {
	if p.Status != "" {
		j.Status = p.Status
	}
	switch {
	case p.Lease != nil:
		j.LockedBy = p.Lease.Owner
		j.LockedAt = p.Lease.AcquiredAt
		j.LockExpiresAt = p.Lease.ExpiresAt
	case p.ClearLease:
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		j.LockExpiresAt = time.Time{}
	}
	switch {
	case p.IncrementAttempts:
		j.Attempts++
	case p.RefundAttempt && j.Attempts > 0:
		j.Attempts--
	}
	if p.LastError != nil {
		j.LastError = TruncateError(*p.LastError)
	}
	if !p.UpdatedAt.IsZero() {
		j.UpdatedAt = p.UpdatedAt
	}
}

// StringPtr is a helper for Patch.LastError.
func StringPtr(s string) *string {
	return &s
}
