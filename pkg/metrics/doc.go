/*
Package metrics provides Prometheus metrics collection and exposition for
fluxrt.

It defines package-level gauges, counters, and histograms covering the four
hot paths a dataflow runtime cares about: handle acquisition/contention,
arbiter contention, worker queue depth and dispatch outcomes, and
distributed transfer counts. Metrics are exposed via Handler() for scraping.

Components update these vars directly (no per-call registration) the same
way the teacher application does: a Timer started at the beginning of an
operation and observed into a histogram at the end via ObserveDuration /
ObserveDurationVec.
*/
package metrics
