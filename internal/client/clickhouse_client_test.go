package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickhouseAddr(t *testing.T) {
	tests := []struct {
		raw    string
		addr   string
		host   string
		secure bool
	}{
		{"ch.example.com", "ch.example.com:9000", "ch.example.com", false},
		{"ch.example.com:9001", "ch.example.com:9001", "ch.example.com", false},
		{"clickhouse://10.0.0.5", "10.0.0.5:9000", "10.0.0.5", false},
		{"https://ch.example.com", "ch.example.com:9440", "ch.example.com", true},
		{"clickhouses://ch.example.com:9550", "ch.example.com:9550", "ch.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			addr, host, secure, err := clickhouseAddr(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, addr)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.secure, secure)
		})
	}

	_, _, _, err := clickhouseAddr("https://")
	assert.Error(t, err)
}
