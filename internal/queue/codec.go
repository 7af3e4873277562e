package queue

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/rezonia/fiscal-gateway/internal/transmission"
)

// encMode uses Core Deterministic Encoding so equal items always produce
// identical bytes. Times keep nanoseconds.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeItem(item Item) ([]byte, error) {
	return encMode.Marshal(item)
}

func decodeItem(data []byte) (Item, error) {
	var item Item
	err := decMode.Unmarshal(data, &item)
	return item, err
}

func encodeEnvelope(env transmission.Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

func decodeEnvelope(data []byte) (transmission.Envelope, error) {
	var env transmission.Envelope
	err := decMode.Unmarshal(data, &env)
	return env, err
}
