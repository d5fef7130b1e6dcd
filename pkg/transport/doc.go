// Package transport exposes virtual serial sessions over TCP.
//
// Hosts that speak to serial printers through pyserial can open the
// endpoint as socket://host:port. Each accepted connection gets its own
// vserial.Session; bytes are copied unchanged in both directions.
//
// # Single Host
//
// A printer has one serial port, so only one host may be attached at a
// time. A second connection receives one error line and is closed:
//
//	Error:another host is connected
//
// Files uploaded through the server while no host is attached are indexed
// for the next session. The index is cleared when that session ends.
package transport
