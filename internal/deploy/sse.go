package deploy

import (
	"encoding/json"
	"fmt"
)

// Frame renders ev as the ASCII SSE frame described in spec.md §4.6.5:
// "id: <u64>\nevent: <name>\ndata: <compact-json>\n\n".
func Frame(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("deploy: failed to encode event %d: %w", ev.ID, err)
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Event, data), nil
}
