package indexer

import (
	"testing"

	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTopics(t *testing.T) {
	str := xdr.ScString("portfolio")
	root := marshal(t, xdr.ScVal{Type: xdr.ScValTypeScvString, Str: &str})

	action, err := decodeTopics([]string{root, symbol(t, "rebalance_executed")})
	require.NoError(t, err)
	assert.Equal(t, ActionRebalanceExecuted, action)

	_, err = decodeTopics([]string{symbol(t, "portfolio")})
	assert.ErrorIs(t, err, errNotPortfolioEvent)

	_, err = decodeTopics([]string{"not-base64", symbol(t, "created")})
	assert.ErrorIs(t, err, errNotPortfolioEvent)

	_, err = decodeTopics([]string{symbol(t, "portfolio"), symbol(t, "closed")})
	assert.ErrorIs(t, err, errUnknownAction)
}

func TestDecodePayload(t *testing.T) {
	ev, err := decodePayload(ActionRebalanceExecuted, marshal(t, vec(u64(12), u64(1_700_000_000))))
	require.NoError(t, err)
	assert.Equal(t, "12", ev.PortfolioID)
	require.NotNil(t, ev.ExecutedAt)
	assert.Equal(t, int64(1_700_000_000), ev.ExecutedAt.Unix())

	// a bare id is accepted as the whole payload
	ev, err = decodePayload(ActionPortfolioCreated, marshal(t, u64(5)))
	require.NoError(t, err)
	assert.Equal(t, "5", ev.PortfolioID)
	assert.Empty(t, ev.Actor)

	_, err = decodePayload(ActionDeposit, marshal(t, vec(u64(5))))
	assert.Error(t, err)

	_, err = decodePayload(ActionDeposit, "%%%")
	assert.Error(t, err)
}

func TestScAmount(t *testing.T) {
	amount, err := scAmount(i128(123_456_789))
	require.NoError(t, err)
	assert.Equal(t, "12.3456789", amount.String())

	// -1 stroop in two's complement
	neg := xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &xdr.Int128Parts{Hi: -1, Lo: ^xdr.Uint64(0)}}
	amount, err = scAmount(neg)
	require.NoError(t, err)
	assert.Equal(t, "-0.0000001", amount.String())

	_, err = scAmount(u64(1))
	assert.Error(t, err)
}
