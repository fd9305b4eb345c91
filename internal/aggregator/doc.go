// Package aggregator discovers tools, resources, and prompts from the
// configured backend servers and maintains the unified catalog the
// gateway advertises.
//
// Every capability is namespaced with its owner's server ID
// ("github.create_issue"), and reverse maps resolve an aggregated name
// back to the owning backend for routing. Discovery fans out
// concurrently with a bounded limit; a failing backend loses its
// catalog entries but never aborts the pass.
package aggregator
