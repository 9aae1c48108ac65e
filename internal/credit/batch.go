package credit

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
)

func batchSetJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}
