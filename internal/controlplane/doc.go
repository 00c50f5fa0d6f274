// Package controlplane holds the pipeline state tree and approval gates.
//
// Stage components never cache pipeline state: every call re-reads it, so the
// control plane's own compare-and-swap on gate tokens is what makes repeated
// monitor ticks safe.
package controlplane
