package domain

// Resolution is the outcome of placing one crime record on the crosswalk.
// Err is a *GeoResolutionError when the record could not be placed; such a
// record still counts toward citywide totals.
type Resolution struct {
	Record      CrimeRecord
	Allocations []Allocation
	Err         error
}

// Resolved reports whether the record was placed.
func (r Resolution) Resolved() bool {
	return r.Err == nil
}

// Resolve apportions every record. Failures are kept per record rather than
// aborting the batch.
func (c *Crosswalk) Resolve(records []CrimeRecord) []Resolution {
	out := make([]Resolution, len(records))
	for i, rec := range records {
		allocs, err := c.Apportion(rec)
		out[i] = Resolution{Record: rec, Allocations: allocs, Err: err}
	}
	return out
}

// Unresolved returns the failed resolutions.
func Unresolved(resolutions []Resolution) []Resolution {
	var out []Resolution
	for _, r := range resolutions {
		if !r.Resolved() {
			out = append(out, r)
		}
	}
	return out
}
