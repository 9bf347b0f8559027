package domain

import "fmt"

var severityWeights = map[Category]float64{
	Felony:      3,
	Misdemeanor: 2,
	Violation:   1,
}

// Weight returns the fixed severity weight of c. Categories are validated by
// the normalizer, so an unknown category here is a programming error and
// panics.
func (c Category) Weight() float64 {
	w, ok := severityWeights[c]
	if !ok {
		panic(fmt.Sprintf("domain: severity weight requested for unnormalized category %q", c))
	}
	return w
}

// Valid reports whether c is one of the normalized categories.
func (c Category) Valid() bool {
	_, ok := severityWeights[c]
	return ok
}

// WeightedCount sums the severity weights of records.
func WeightedCount(records []CrimeRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.Category.Weight()
	}
	return total
}
