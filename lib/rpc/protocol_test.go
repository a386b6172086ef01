package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{JSONRPC: "2.0", Method: "ping"}, false},
		{"wrong version", Request{JSONRPC: "1.0", Method: "ping"}, true},
		{"missing method", Request{JSONRPC: "2.0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "method not found (code -32601): x", ErrMethodNotFound("x").Error())
	assert.Equal(t, "authentication required (code -32001)", ErrAuthRequired().Error())
}

func TestSuccessResponseRoundTrip(t *testing.T) {
	resp, err := NewSuccessResponse(json.RawMessage(`7`), &GetAllDatabasesResult{Databases: []string{"a"}})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"databases":["a"]},"id":7}`, string(data))

	_, err = NewSuccessResponse(nil, make(chan int))
	assert.Error(t, err)
}

func TestTransportFaultFingerprint(t *testing.T) {
	assert.Equal(t, "Got exception: org.apache.thrift.transport.TTransportException", TransportFaultFingerprint)
}
