// ABOUTME: Root oilpan package providing version information and package documentation
// ABOUTME: The managed heap lives in package heap; graph and heapdump analyse its snapshots

// Package oilpan is a managed heap for Go programs that keep large graphs of
// pointer-free objects outside the Go collector. Objects live in OS-mapped
// pages and are reclaimed by a stop-the-world mark-sweep collector that runs
// across every attached thread.
//
// Package heap allocates and collects. Package graph computes dominators and
// retained sizes over heap snapshots, and package heapdump reads and writes
// snapshots as JSON or pprof profiles.
package oilpan

// Version is the semantic version of the oilpan module
const Version = "0.1.0-dev"
