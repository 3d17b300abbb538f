package receiver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"192.168.1.20", true},
		{"", false},
		{"localhost", false},
		{"256.0.0.1", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"::1", false},
		{"::ffff:127.0.0.1", false},
		{" 127.0.0.1", false},
		{"127.0.0.1:80", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, err := ParseIPv4(tt.input)
			if tt.valid {
				require.NoError(t, err)
				assert.True(t, addr.Is4())
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAddress)

			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.input, rerr.Addr)
		})
	}
}

func TestEndpointConfigValidate(t *testing.T) {
	cfg := DefaultEndpointConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Socket", cfg.SocketName)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, uint16(65432), cfg.Port)
	assert.Equal(t, 1024, cfg.BufferSize)

	bad := cfg
	bad.BindAddress = "not-an-ip"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAddress)

	bad = cfg
	bad.BufferSize = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	addr, err := cfg.AddrPort()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:65432", addr.String())
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("address already in use")
	err := newError("start", ErrBindFailed, "127.0.0.1:9", cause)

	assert.Equal(t, "receiver.start: bind failed (127.0.0.1:9): address already in use", err.Error())
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSendFailed)

	bare := newError("send", ErrSocketClosed, "", nil)
	assert.Equal(t, "receiver.send: socket closed", bare.Error())
}
