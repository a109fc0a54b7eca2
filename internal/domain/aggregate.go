package domain

import "sort"

// AggregateStatus is the derived propagation state of a request.
type AggregateStatus string

const (
	AggregatePending     AggregateStatus = "pending"
	AggregateDenied      AggregateStatus = "denied"
	AggregateApproved    AggregateStatus = "approved"
	AggregatePropagating AggregateStatus = "propagating"
	AggregateCompleted   AggregateStatus = "completed"
	AggregatePartial     AggregateStatus = "partial"
	AggregateFailed      AggregateStatus = "failed"
)

func (s AggregateStatus) String() string { return string(s) }

// LatestAttempt is the newest attempt for one provider plus its history size.
type LatestAttempt struct {
	Attempt PropagationAttempt
	Total   int
}

// LatestPerService reduces attempts to the highest attempt_no per service key,
// ordered by AllServiceKeys.
func LatestPerService(attempts []PropagationAttempt) []LatestAttempt {
	byKey := make(map[ServiceKey]*LatestAttempt, len(AllServiceKeys))
	for i := range attempts {
		a := attempts[i]
		current, ok := byKey[a.ServiceKey]
		if !ok {
			byKey[a.ServiceKey] = &LatestAttempt{Attempt: a, Total: 1}
			continue
		}
		current.Total++
		if a.AttemptNo > current.Attempt.AttemptNo {
			current.Attempt = a
		}
	}

	latest := make([]LatestAttempt, 0, len(byKey))
	for _, v := range byKey {
		latest = append(latest, *v)
	}
	sort.Slice(latest, func(i, j int) bool {
		return serviceOrder(latest[i].Attempt.ServiceKey) < serviceOrder(latest[j].Attempt.ServiceKey)
	})
	return latest
}

// ComputeAggregate derives the overall request state from its status and the
// latest add attempt per provider. Skipped providers are not applicable.
func ComputeAggregate(status RequestStatus, latest []LatestAttempt) AggregateStatus {
	switch status {
	case RequestStatusPending:
		return AggregatePending
	case RequestStatusDenied:
		return AggregateDenied
	}

	var success, failed, inFlight int
	for _, l := range latest {
		switch l.Attempt.Status {
		case AttemptStatusPending, AttemptStatusInProgress:
			inFlight++
		case AttemptStatusSuccess:
			success++
		case AttemptStatusFailed:
			failed++
		}
	}

	switch {
	case inFlight > 0:
		return AggregatePropagating
	case success == 0 && failed == 0:
		return AggregateApproved
	case failed == 0:
		return AggregateCompleted
	case success == 0:
		return AggregateFailed
	default:
		return AggregatePartial
	}
}

// SucceededServices returns the service keys whose latest attempt is success.
func SucceededServices(latest []LatestAttempt) map[ServiceKey]bool {
	done := make(map[ServiceKey]bool, len(latest))
	for _, l := range latest {
		if l.Attempt.Status == AttemptStatusSuccess {
			done[l.Attempt.ServiceKey] = true
		}
	}
	return done
}

func serviceOrder(k ServiceKey) int {
	for i, key := range AllServiceKeys {
		if key == k {
			return i
		}
	}
	return len(AllServiceKeys)
}
