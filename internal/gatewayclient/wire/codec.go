// Package wire defines the gRPC wire codec used by the ledger gateway
// client. No protoc-generated stubs are available in this build, so RPC
// messages are plain Go structs marshaled as JSON and carried over gRPC's
// pluggable encoding.Codec mechanism instead of protobuf. Connection
// lifecycle, TLS, keep-alive, and streaming still run through the real
// google.golang.org/grpc client machinery — only the message encoding
// differs from a protoc-generated client.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content-subtype this codec registers under
// (negotiated via grpc.CallContentSubtype).
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return Name }

// SubmitRequest endorses and commits a transaction against a named
// contract within the gateway's channel/chaincode.
type SubmitRequest struct {
	Channel   string   `json:"channel"`
	Chaincode string   `json:"chaincode"`
	Contract  string   `json:"contract"`
	Function  string   `json:"function"`
	Args      []string `json:"args"`
}

// SubmitResponse carries the commit outcome of a SubmitRequest.
type SubmitResponse struct {
	TxID        string `json:"tx_id"`
	BlockNumber uint64 `json:"block_number"`
	Payload     []byte `json:"payload"`
}

// EvaluateRequest performs a read-only chaincode query.
type EvaluateRequest struct {
	Channel   string   `json:"channel"`
	Chaincode string   `json:"chaincode"`
	Contract  string   `json:"contract"`
	Function  string   `json:"function"`
	Args      []string `json:"args"`
}

// EvaluateResponse carries the result of an EvaluateRequest.
type EvaluateResponse struct {
	Payload []byte `json:"payload"`
}

// StreamEventsRequest opens a committed-event tail from startBlock.
type StreamEventsRequest struct {
	Channel    string `json:"channel"`
	Chaincode  string `json:"chaincode"`
	StartBlock uint64 `json:"start_block"`
}

// Event is a single committed chaincode event.
type Event struct {
	EventName   string `json:"event_name"`
	Payload     []byte `json:"payload"`
	TxID        string `json:"tx_id"`
	BlockNumber uint64 `json:"block_number"`
	TimestampNS int64  `json:"timestamp_ns"`
}
