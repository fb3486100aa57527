package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTripsSubmitRequest(t *testing.T) {
	codec := jsonCodec{}
	req := &SubmitRequest{
		Channel:   "qirat-channel",
		Chaincode: "qirat-cc",
		Contract:  "Tokenomics",
		Function:  "Transfer",
		Args:      []string{"acct-1", "acct-2", "1000"},
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var decoded SubmitRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.Equal(t, *req, decoded)
}

func TestJSONCodecRoundTripsEvent(t *testing.T) {
	codec := jsonCodec{}
	evt := &Event{
		EventName:   "TransferCompleted",
		Payload:     []byte(`{"amount":"1000"}`),
		TxID:        "tx-123",
		BlockNumber: 42,
		TimestampNS: 1700000000000000000,
	}

	data, err := codec.Marshal(evt)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.Equal(t, *evt, decoded)
}

func TestCodecNameMatchesContentSubtype(t *testing.T) {
	require.Equal(t, "json", jsonCodec{}.Name())
	require.Equal(t, Name, jsonCodec{}.Name())
}
