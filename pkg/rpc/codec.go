package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec using
// encoding/json instead of protobuf wire encoding. Registered under the
// name "json" so a grpc.Server and grpc.ClientConn constructed with
// grpc.CallContentSubtype("json") (set as the default call option by
// dialOpts for DialCoordinator/DialNodeAgent) exchange our plain message
// structs without any generated marshaler.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

const codecName = "json"
