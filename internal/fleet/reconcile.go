package fleet

// Verdict classifies one launch attempt's outcome.
type Verdict int

const (
	// VerdictFulfilled means every requested instance came up.
	VerdictFulfilled Verdict = iota
	// VerdictRetry means the shortfall carried recognized retryable
	// error codes; the request is worth redelivering.
	VerdictRetry
	// VerdictFailed covers every other shortfall shape, including zero
	// created with zero recognized errors.
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictFulfilled:
		return "fulfilled"
	case VerdictRetry:
		return "retry"
	default:
		return "failed"
	}
}

// Reconcile is a pure classifier over (requested, created, error
// multiset). It must stay deterministic: the failover retry and the
// upstream queue's redelivery both key off its result. The returned
// count is the number of errors matching the retryable set.
func Reconcile(requested, created int, errs []FleetError, retryableCodes []string) (Verdict, int) {
	if created >= requested {
		return VerdictFulfilled, 0
	}
	matched := 0
	set := make(map[string]struct{}, len(retryableCodes))
	for _, c := range retryableCodes {
		set[c] = struct{}{}
	}
	for _, e := range errs {
		if _, ok := set[e.Code]; ok {
			matched += e.Count
		}
	}
	if matched > 0 {
		return VerdictRetry, matched
	}
	return VerdictFailed, 0
}

// matchesAny reports whether any reported error code is in codes.
func matchesAny(errs []FleetError, codes []string) bool {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	for _, e := range errs {
		if _, ok := set[e.Code]; ok {
			return true
		}
	}
	return false
}
