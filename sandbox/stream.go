package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StreamMessage is one line of the JSON progress stream the Docker daemon
// returns for pulls, builds and pushes.
type StreamMessage struct {
	Stream string `json:"stream"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Aux    struct {
		ID     string `json:"ID"`
		Tag    string `json:"Tag"`
		Digest string `json:"Digest"`
		Size   int64  `json:"Size"`
	} `json:"aux"`
}

// ReadStream decodes a progress stream, calling fn for every message. It
// stops at the first message carrying an error.
func ReadStream(r io.Reader, fn func(StreamMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg StreamMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse daemon output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("daemon error: %s", msg.Error)
		}
		if fn != nil {
			fn(msg)
		}
	}
}

func drainJSONStream(r io.Reader) error {
	return ReadStream(r, nil)
}
