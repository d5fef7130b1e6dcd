package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// captureCodec holds the CBOR modes for capture files. Events are encoded
// canonically so identical traffic yields identical bytes; decoding
// tolerates indefinite lengths written by other tools.
var captureCodec = mustCodec(
	cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	},
	cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyQuiet,
		IndefLength:      cbor.IndefLengthAllowed,
		MaxNestedLevels:  8,
		MaxMapPairs:      64,
		MaxArrayElements: 1024,
	},
)

type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func mustCodec(eo cbor.EncOptions, do cbor.DecOptions) codec {
	enc, err := eo.EncMode()
	if err != nil {
		panic("capture log: " + err.Error())
	}
	dec, err := do.DecMode()
	if err != nil {
		panic("capture log: " + err.Error())
	}
	return codec{enc: enc, dec: dec}
}

// EncodeEvent encodes an Event to CBOR.
func EncodeEvent(event Event) ([]byte, error) {
	return captureCodec.enc.Marshal(event)
}

// DecodeEvent decodes one CBOR-encoded Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := captureCodec.dec.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewEncoder returns a stream encoder writing events to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return captureCodec.enc.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading events from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return captureCodec.dec.NewDecoder(r)
}
