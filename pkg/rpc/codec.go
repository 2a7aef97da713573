package rpc

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, standing in for the protobuf wire codec a generated
// service would otherwise use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
