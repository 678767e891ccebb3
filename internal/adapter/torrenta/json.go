package torrenta

import (
	"encoding/json"
	"io"
)

func decodeJSON(r io.Reader, out interface{}) error {
	return json.NewDecoder(r).Decode(out)
}
