package tools

import (
	"encoding/json"
	"fmt"
)

// encodeResult renders a tool result object; encoding never fails the call.
func encodeResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":%q}`, "encode result: "+err.Error())
	}
	return string(data)
}
