// Package device defines the capability boundary between the virtual serial
// session and a physical printer reachable over its command API.
//
// A Printer reports a Status snapshot (per-zone temperatures, job state and
// progress) and accepts a small set of control operations. Implementations
// wrap transport failures in *CommError so callers can count missed
// exchanges without inspecting transport details.
package device
