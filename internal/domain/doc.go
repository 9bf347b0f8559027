// Package domain models NYC crime complaints, rent observations, and the
// Danger Ratio derived from them.
//
// # Data Sources
//
// Crime rows come from the NYPD Complaint Data dataset (NYC Open Data). Each
// row carries a complaint number, a complaint date (and optionally a time of
// day), a law category, and a location that is a precinct, a ZIP code, or a
// latitude/longitude pair. Rent rows are periodic median asking rents per ZIP
// code (monthly snapshots, often with gaps).
//
// # Category Conventions
//
// The law category column is inconsistent across exports:
//
//	"FELONY", "Felony", "F", "FEL"            →  FELONY
//	"MISDEMEANOR", "Misd", "M", "MIS"         →  MISDEMEANOR
//	"VIOLATION", "viol", "V", "VIO"           →  VIOLATION
//
// Anything else is rejected rather than defaulted. Weights are fixed:
// FELONY=3, MISDEMEANOR=2, VIOLATION=1.
//
// # Date Conventions
//
// Open Data exports use "2006-01-02T15:04:05.000" while hand-edited CSVs use
// "01/02/2006" or ISO dates. Rent files sometimes carry only a month
// ("2024-03"). All timestamps are interpreted in UTC.
//
// # Geography
//
// A [Crosswalk] links ZIP codes, police precincts, and boroughs. Every ZIP
// belongs to exactly one borough; a precinct may cover several ZIPs and a ZIP
// may touch several precincts. Records keyed by a coarse key are split across
// the finer keys it covers (see [Crosswalk.Apportion]); the split always
// conserves the record's severity weight.
//
// # Danger Ratio
//
//	danger ratio = weighted crime count / median rent
//
// computed per (geo key, calendar month). Coarser granularities are formed by
// summing weighted counts and averaging member rents separately before the
// division. Months without a positive rent carry their count but no ratio.
package domain
