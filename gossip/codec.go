package gossip

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec serializes gRPC messages as JSON so hand-written Go structs can
// travel over the wire without generated protobuf types.
type JSONCodec struct{}

// Name registers the codec under the default name, replacing the proto codec.
func (JSONCodec) Name() string {
	return "proto"
}

// Marshal serializes the message to JSON.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal error: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes the message from JSON.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal error: %w", err)
	}
	return nil
}
