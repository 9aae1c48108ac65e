package session

import "encoding/json"

func unmarshalRecord(b []byte, rec *Record) error {
	return json.Unmarshal(b, rec)
}
