package vserial

import "testing"

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		ack    string
		resend string
		err    string
	}{
		{
			name:   "Defaults",
			format: Format{},
			ack:    "ok T:20.0",
			resend: "Resend:7",
			err:    "Error:checksum mismatch",
		},
		{
			name:   "EchoLineNumber",
			format: Format{EchoLineNumber: true},
			ack:    "ok N7 T:20.0",
			resend: "Resend:7",
			err:    "Error:checksum mismatch",
		},
		{
			name:   "RepRapDialect",
			format: Format{OK: "ok", ResendPrefix: "rs N", ErrorPrefix: "!! "},
			ack:    "ok T:20.0",
			resend: "rs N7",
			err:    "!! checksum mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.format.withDefaults()
			if got := f.ack(7, true, "T:20.0"); got != tt.ack {
				t.Errorf("ack = %q, want %q", got, tt.ack)
			}
			if got := f.resend(7); got != tt.resend {
				t.Errorf("resend = %q, want %q", got, tt.resend)
			}
			if got := f.error("checksum mismatch"); got != tt.err {
				t.Errorf("error = %q, want %q", got, tt.err)
			}
		})
	}

	t.Run("NoLineNumber", func(t *testing.T) {
		f := Format{EchoLineNumber: true}.withDefaults()
		if got := f.ack(0, false, ""); got != "ok" {
			t.Errorf("ack = %q, want %q", got, "ok")
		}
	})
}
