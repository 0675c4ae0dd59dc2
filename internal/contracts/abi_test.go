package contracts

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	cases := map[string][]byte{
		"balanceOf": ERC20.Methods["balanceOf"].ID,
		"approve":   ERC20.Methods["approve"].ID,
		"allowance": ERC20.Methods["allowance"].ID,
		"transfer":  ERC20.Methods["transfer"].ID,
	}
	expected := map[string]string{
		"balanceOf": "70a08231",
		"approve":   "095ea7b3",
		"allowance": "dd62ed3e",
		"transfer":  "a9059cbb",
	}
	for name, id := range cases {
		assert.Equal(t, expected[name], hex.EncodeToString(id), name)
	}
}

func TestPackTransfer(t *testing.T) {
	to := common.HexToAddress("0xb82896C4F251ed65186b416dbDb6f6192DFAF926")
	data, err := Pack(ERC20, "transfer", to, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, data, 4+64)
	assert.Equal(t, to.Bytes(), data[4+12:4+32])
	assert.Equal(t, int64(42), new(big.Int).SetBytes(data[4+32:]).Int64())

	_, err = Pack(ERC20, "transfer", to)
	assert.Error(t, err)
}

func TestUnpackUint256(t *testing.T) {
	v, err := UnpackUint256(MiniSafe, "MIN_TOKENS_FOR_TIMELOCK_BREAK", EncodeUint256(big.NewInt(15)))
	require.NoError(t, err)
	assert.Equal(t, int64(15), v.Int64())

	_, err = UnpackUint256(MiniSafe, "getBalance", []byte{0x01})
	assert.Error(t, err)
}

func TestUnpackAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	got, err := UnpackAddress(Identity, "getWhitelistedRoot", common.LeftPadBytes(addr.Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}
