package rest

import (
	"encoding/json"

	"fenrir/domain/match"
)

func marshalCommand(cmd match.Command) ([]byte, error) {
	return json.Marshal(cmd)
}
