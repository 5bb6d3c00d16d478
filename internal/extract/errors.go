package extract

import "fmt"

// PartialDependentFetchError records one dependent request that failed
// during composite extraction. Dependent calls are independent, so the
// failure is logged and the parent skipped rather than blanking the batch.
type PartialDependentFetchError struct {
	Entity string
	Parent string
	Err    error
}

func (e *PartialDependentFetchError) Error() string {
	return fmt.Sprintf("dependent fetch for %s parent %s failed: %v", e.Entity, e.Parent, e.Err)
}

func (e *PartialDependentFetchError) Unwrap() error { return e.Err }
