// Package provider holds the concrete backend strategies and the
// registry that selects among them.
//
// Strategies register under a unique name with a capability set,
// static priority, and weight. Selection filters by required
// capabilities, health, exclusions, and observed success rate and
// latency, then ranks the survivors; registration order breaks ties so
// selection stays deterministic.
//
// The package ships a simulated backend for local development and a
// heterogeneous composite that pairs a spot-priced leg with an
// on-demand fallback.
package provider
