package transport

import (
	"encoding/json"

	"github.com/snarg/fleet-agent/internal/wire"
)

func marshalCheckin(syncIDs []string) ([]byte, error) {
	return json.Marshal(wire.CheckinDoc{SyncIDs: syncIDs})
}
