// Package scrape defines the domain types, ports, and job state machine shared
// by the API, the queue backends, and the worker pool.
package scrape
