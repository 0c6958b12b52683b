package txdecode

import (
	"strings"
	"testing"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazysuperheroes/hedera-multisig/internal/testutil"
)

func transferBytes(t *testing.T) []byte {
	return testutil.FrozenTransfer(t, []testutil.TransferLeg{
		{AccountNum: 800, Amount: -100_000_000},
		{AccountNum: 801, Amount: 100_000_000},
	}, testutil.TxOptions{
		PayerNum:      1001,
		ValidStart:    time.Unix(1_700_000_000, 0),
		ValidDuration: 120 * time.Second,
		Memo:          "rent",
	})
}

func TestDecode_Transfer(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)

	assert.Equal(t, KindTransfer, d.Kind)
	assert.Len(t, d.Checksum, 64)
	assert.Equal(t, "rent", d.Memo)
	assert.Equal(t, int64(1_700_000_000), d.ValidStartUnix)
	assert.Equal(t, int64(120), d.ValidDurationSeconds)
	assert.Equal(t, int64(1_700_000_120), d.ExpiresAtUnix)
	assert.NotEmpty(t, d.NodeAccountIDs)
	assert.Contains(t, d.TransactionID, "1001")

	require.Len(t, d.Transfers, 2)
	// Ordered by account.
	assert.Equal(t, "0.0.800", d.Transfers[0].AccountID)
	assert.Equal(t, int64(-100_000_000), d.Transfers[0].Amount)
	assert.Equal(t, "0.0.801", d.Transfers[1].AccountID)
	assert.Equal(t, int64(100_000_000), d.Transfers[1].Amount)
}

func TestDecode_Deterministic(t *testing.T) {
	raw := transferBytes(t)
	a, err := Decode(raw, nil)
	require.NoError(t, err)
	b, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Equal(t, a, b)

	// Different bytes, different checksum.
	other := testutil.FrozenTransfer(t, []testutil.TransferLeg{
		{AccountNum: 800, Amount: -1},
		{AccountNum: 801, Amount: 1},
	}, testutil.TxOptions{ValidStart: time.Unix(1_700_000_000, 0)})
	c, err := Decode(other, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not a transaction"), nil)
	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "decode-error", derr.Reason)

	_, err = Decode(nil, nil)
	assert.Error(t, err)
}

// callData builds selector+args for f(uint256) with the given selector
// source signature.
func callData(t *testing.T, sig string, arg uint64) []byte {
	t.Helper()
	selector := gethcrypto.Keccak256([]byte(sig))[:4]
	padded := make([]byte, 32)
	padded[31] = byte(arg)
	return append(selector, padded...)
}

func TestDecode_ContractCallSelectorVerified(t *testing.T) {
	data := callData(t, "setValue(uint256)", 7)
	raw := testutil.FrozenContractCall(t, 5005, 100_000, 0, data, testutil.TxOptions{
		ValidStart: time.Unix(1_700_000_000, 0),
	})

	d, err := Decode(raw, []string{"setValue(uint256)"})
	require.NoError(t, err)
	assert.Equal(t, KindContractExecute, d.Kind)
	require.NotNil(t, d.Contract)
	assert.Equal(t, "0.0.5005", d.Contract.ContractID)
	assert.Equal(t, uint64(100_000), d.Contract.Gas)
	assert.True(t, d.Contract.SelectorVerified)
	assert.Equal(t, "setValue", d.Contract.FunctionName)
	require.Len(t, d.Contract.FunctionParams, 1)
	assert.Equal(t, "7", d.Contract.FunctionParams[0])
}

func TestDecode_SelectorMismatch(t *testing.T) {
	// Call data carries the selector of a different function than the
	// supplied interface claims.
	data := callData(t, "drainTreasury(uint256)", 7)
	raw := testutil.FrozenContractCall(t, 5005, 100_000, 0, data, testutil.TxOptions{
		ValidStart: time.Unix(1_700_000_000, 0),
	})

	_, err := Decode(raw, []string{"setValue(uint256)"})
	require.Error(t, err)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "selector-mismatch", derr.Reason)
}

func TestDecode_ContractCallWithoutInterface(t *testing.T) {
	data := callData(t, "setValue(uint256)", 7)
	raw := testutil.FrozenContractCall(t, 5005, 100_000, 0, data, testutil.TxOptions{
		ValidStart: time.Unix(1_700_000_000, 0),
	})

	// No interface: selector reported, nothing verified, no failure.
	d, err := Decode(raw, nil)
	require.NoError(t, err)
	assert.False(t, d.Contract.SelectorVerified)
	assert.Empty(t, d.Contract.FunctionName)
	assert.Len(t, d.Contract.Selector, 8)
}

func TestParseInterface(t *testing.T) {
	fns, err := ParseInterface([]string{"transfer(address,uint256)", "pause()"})
	require.NoError(t, err)
	require.Len(t, fns, 2)
	assert.Equal(t, "transfer", fns[0].Name)
	assert.Equal(t, "transfer(address,uint256)", fns[0].Sig)
	// Known selector for ERC-20 transfer.
	assert.Equal(t, [4]byte{0xa9, 0x05, 0x9c, 0xbb}, fns[0].Selector)
	assert.Equal(t, "pause", fns[1].Name)

	_, err = ParseInterface([]string{"no parens"})
	assert.Error(t, err)
	_, err = ParseInterface([]string{"f(notatype)"})
	assert.Error(t, err)
}

func TestValidateMetadata_CleanPass(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)

	v := ValidateMetadata(d, map[string]string{
		"type":    "HBAR Transfer",
		"amount":  "1",          // 1 HBAR == 100,000,000 tinybars
		"accounts": "0.0.800,0.0.801",
		"purpose": "monthly rent payment",
	})
	assert.True(t, v.Valid, "mismatches: %v", v.Mismatches)
	assert.Empty(t, v.Warnings)
}

func TestValidateMetadata_UrgencyWarning(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)

	v := ValidateMetadata(d, map[string]string{
		"purpose": "URGENT: sign immediately or we lose the deal",
	})
	assert.True(t, v.Valid)
	require.NotEmpty(t, v.Warnings)
	assert.True(t, strings.Contains(v.Warnings[0], "urgency"))
}

func TestValidateMetadata_Mismatches(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)

	v := ValidateMetadata(d, map[string]string{
		"type":     "contract call",
		"amount":   "999",
		"accounts": "0.0.666",
	})
	assert.False(t, v.Valid)
	require.Len(t, v.Mismatches, 3)
	fields := map[string]bool{}
	for _, m := range v.Mismatches {
		fields[m.Field] = true
		assert.NotEmpty(t, m.Actual)
	}
	assert.True(t, fields["type"] && fields["amount"] && fields["accounts"])
}

func TestValidateMetadata_AmountTinybarsOrHbar(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)

	// Both renderings of the same value pass.
	for _, amount := range []string{"100000000", "1", "-1 HBAR", "1.0000"} {
		v := ValidateMetadata(d, map[string]string{"amount": amount})
		assert.True(t, v.Valid, "amount %q should match", amount)
	}
	v := ValidateMetadata(d, map[string]string{"amount": "2"})
	assert.False(t, v.Valid)
}

func TestValidateMetadata_Empty(t *testing.T) {
	d, err := Decode(transferBytes(t), nil)
	require.NoError(t, err)
	v := ValidateMetadata(d, nil)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Mismatches)
}
