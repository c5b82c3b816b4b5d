package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	id := uuid.New()

	in, err := DecodeInbound([]byte(`{"type":"REGISTER","data":{"sessionId":"` + id.String() + `","contentRef":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, in.Type)
	require.NotNil(t, in.Register)
	assert.Equal(t, id, in.Register.SessionID)
	assert.Equal(t, "x", in.Register.ContentRef)

	in, err = DecodeInbound([]byte(`{"type":"REPORT","data":{"sessionId":"` + id.String() + `","offset":12.5,"at":1700000000000}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Report)
	assert.Equal(t, 12.5, in.Report.Offset)
}

func TestDecodeInbound_Rejects(t *testing.T) {
	id := uuid.NewString()
	cases := map[string]string{
		"not json":         `hello`,
		"unknown type":     `{"type":"PLAY"}`,
		"server type":      `{"type":"SYNC","data":{"currentTime":1}}`,
		"register no id":   `{"type":"REGISTER","data":{}}`,
		"register bad id":  `{"type":"REGISTER","data":{"sessionId":"nope"}}`,
		"report no id":     `{"type":"REPORT","data":{"offset":1}}`,
		"report negative":  `{"type":"REPORT","data":{"sessionId":"` + id + `","offset":-1}}`,
		"report bad field": `{"type":"REPORT","data":{"sessionId":"` + id + `","offset":"ten"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}
