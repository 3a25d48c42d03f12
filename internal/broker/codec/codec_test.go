package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func TestJSON(t *testing.T) {
	var c Codec = JSON{}

	payload, err := c.Encode(order{ID: "ORD-1", Amount: 12.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ORD-1","amount":12.5}`, payload)

	var o order
	require.NoError(t, c.Decode(payload, &o))
	assert.Equal(t, order{ID: "ORD-1", Amount: 12.5}, o)

	assert.Error(t, c.Decode(`{"id":"ORD-1","unexpected":true}`, &o))
	assert.Error(t, c.Decode(`not json`, &o))
}
