package docstore

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gaspardpetit/firebridge/internal/codec"
)

// record is the stored form of a document. Field data keeps the channel
// codec's encoding so every value type survives storage unchanged.
type record struct {
	Data   []byte `msgpack:"d"`
	Create int64  `msgpack:"c"`
	Update int64  `msgpack:"u"`
}

var values = codec.Firestore(nil)

func encodeRecord(data map[string]any, created, updated time.Time) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := values.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return msgpack.Marshal(&record{Data: b, Create: created.UnixNano(), Update: updated.UnixNano()})
}

func decodeRecord(blob []byte) (map[string]any, time.Time, time.Time, error) {
	var r record
	if err := msgpack.Unmarshal(blob, &r); err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("decode record: %w", err)
	}
	v, err := values.Decode(r.Data)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("decode document: %w", err)
	}
	data, ok := v.(map[string]any)
	if !ok {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("decode document: root of type %T", v)
	}
	return data, time.Unix(0, r.Create).UTC(), time.Unix(0, r.Update).UTC(), nil
}
