package functions

import (
	"context"
	"encoding/json"
	"time"
)

// UnixTime reports the current UNIX timestamp in seconds.
type UnixTime struct {
	// Now overrides the clock.
	Now func() time.Time
}

func (UnixTime) Definition() Definition {
	return Definition{
		Name:        "get_unix_time",
		Description: "Returns current UNIX timestamp.",
		Parameters:  []Param{},
	}
}

func (u UnixTime) Call(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	return json.Marshal(map[string]int64{"unix_time": now().Unix()})
}
