package worker

import (
	"encoding/json"

	"github.com/onefinestay/cinch/bus"
)

func unmarshal(event bus.Event, dst interface{}) error {
	return json.Unmarshal(event.Payload, dst)
}
