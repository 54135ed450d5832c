// Package monitor holds the domain model of the process watcher: tracked
// process records, their append-only history, scan results, and the narrow
// interfaces the scan pipeline uses to reach storage, the network, and the
// notification fan-out.
package monitor
