package vserial

import "errors"

// Session errors.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("not connected to printer")
	ErrHandshake     = errors.New("printer handshake failed")
	ErrReadTimeout   = errors.New("read timeout")
	ErrNoPrinter     = errors.New("no printer configured")
)

// Handler outcomes reported to the host as error lines.
var (
	ErrNoFileSpecified = errors.New("No file specified")
	ErrFileNotFound    = errors.New("File not found")
	ErrNoFileSelected  = errors.New("No file selected")
	ErrPrintActive     = errors.New("Print already in progress")
	ErrPrinterBusy     = errors.New("Printer not ready")
	ErrUnreachable     = errors.New("Printer unreachable")
)
