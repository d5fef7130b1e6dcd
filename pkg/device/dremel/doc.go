// Package dremel implements device.Printer for the Dremel 3D45 command API.
//
// The printer exposes a single endpoint, POST http://<host>/command, whose
// body is one command keyword (GETPRINTERSTATUS, PAUSE, PRINT=<file>, ...).
// Replies are JSON objects carrying a "message" field that reads "success"
// when the command was accepted. Files are uploaded with a multipart POST to
// /print_file_uploads before they can be started with PRINT.
package dremel
