// Package pipeline runs one sync: fetch recent adopters from the source,
// drop companies the ledger already holds, append the rest to the ledger and
// bulk-create them as accounts. Phases run strictly in sequence and the first
// failure ends the run.
package pipeline
