// Package connection tracks the lifecycle of a virtual serial connection to
// a printer.
//
// A Machine owns two pieces of state: the link (is the printer reachable and
// has the handshake completed) and, while connected, the printer activity
// (idle, printing, paused, error). Host commands and the status poller both
// move the machine through Apply, which is the only mutator.
//
// # Links
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	      ^              |            |
//	      +--------------+            |
//	  any state -------------------> CLOSED
//
// # Activities
//
//	IDLE  --StartPrint-->  PRINTING  --Pause-->  PAUSED
//	  ^                        ^                    |
//	  |                        +------Resume--------+
//	  +--------Cancel (from any activity but ERROR)--
//
// Reconcile sets the activity to whatever the printer reports, overriding
// the command path. Consecutive communication failures beyond the configured
// limit move the activity to ERROR; the poll loop then waits according to a
// Backoff until the printer answers again.
package connection
