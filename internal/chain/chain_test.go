package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashgraph/hedera-protobufs-go/services"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/lazysuperheroes/hedera-multisig/internal/testutil"
)

func frozen(t *testing.T, nodes ...int64) []byte {
	return testutil.FrozenTransfer(t, []testutil.TransferLeg{
		{AccountNum: 800, Amount: -10}, {AccountNum: 801, Amount: 10},
	}, testutil.TxOptions{
		ValidStart: time.Unix(1_700_000_000, 0),
		NodeNums:   nodes,
	})
}

func TestExtractSigningBytes(t *testing.T) {
	raw := frozen(t, 3, 4, 5)
	bodies, err := ExtractSigningBytes(raw)
	require.NoError(t, err)
	require.Len(t, bodies, 3)

	// Each body is a parseable TransactionBody targeting its own node.
	seen := map[int64]bool{}
	for _, b := range bodies {
		var body services.TransactionBody
		require.NoError(t, proto.Unmarshal(b, &body))
		seen[body.NodeAccountID.GetAccountNum()] = true
	}
	assert.Len(t, seen, 3)
}

func TestExtractSigningBytes_Garbage(t *testing.T) {
	_, err := ExtractSigningBytes(nil)
	assert.Error(t, err)
	_, err = ExtractSigningBytes([]byte("garbage"))
	assert.Error(t, err)
}

func TestAttachSignature(t *testing.T) {
	key, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)

	raw := frozen(t, 3, 4)
	bodies, err := ExtractSigningBytes(raw)
	require.NoError(t, err)
	sigs := [][]byte{key.Sign(bodies[0]), key.Sign(bodies[1])}

	a := &HederaAdapter{}
	signed, err := a.AttachSignature(raw, key.PublicKey().String(), sigs)
	require.NoError(t, err)
	assert.NotEqual(t, raw, signed)

	// Every node body now carries exactly one signature pair under the
	// signer's raw key.
	var list services.TransactionList
	require.NoError(t, proto.Unmarshal(signed, &list))
	require.Len(t, list.TransactionList, 2)
	for i, tx := range list.TransactionList {
		var st services.SignedTransaction
		require.NoError(t, proto.Unmarshal(tx.SignedTransactionBytes, &st))
		require.Len(t, st.SigMap.SigPair, 1)
		pair := st.SigMap.SigPair[0]
		assert.Equal(t, key.PublicKey().BytesRaw(), pair.PubKeyPrefix)
		assert.Equal(t, sigs[i], pair.GetEd25519())
	}

	// The signing bytes are unchanged by attachment.
	after, err := ExtractSigningBytes(signed)
	require.NoError(t, err)
	assert.Equal(t, bodies, after)
}

func TestAttachSignature_CountMismatch(t *testing.T) {
	key, _ := hedera.PrivateKeyGenerateEd25519()
	raw := frozen(t, 3, 4)
	a := &HederaAdapter{}
	_, err := a.AttachSignature(raw, key.PublicKey().String(), [][]byte{{1}})
	assert.Error(t, err)
}

func TestAttachSignature_AccumulatesSigners(t *testing.T) {
	k1, _ := hedera.PrivateKeyGenerateEd25519()
	k2, _ := hedera.PrivateKeyGenerateEcdsa()

	raw := frozen(t, 3)
	bodies, _ := ExtractSigningBytes(raw)

	a := &HederaAdapter{}
	signed, err := a.AttachSignature(raw, k1.PublicKey().String(), [][]byte{k1.Sign(bodies[0])})
	require.NoError(t, err)
	signed, err = a.AttachSignature(signed, k2.PublicKey().String(), [][]byte{k2.Sign(bodies[0])})
	require.NoError(t, err)

	var list services.TransactionList
	require.NoError(t, proto.Unmarshal(signed, &list))
	var st services.SignedTransaction
	require.NoError(t, proto.Unmarshal(list.TransactionList[0].SignedTransactionBytes, &st))
	require.Len(t, st.SigMap.SigPair, 2)
	// Ed25519 and ECDSA variants chosen by key length.
	assert.NotNil(t, st.SigMap.SigPair[0].GetEd25519())
	assert.NotNil(t, st.SigMap.SigPair[1].GetECDSASecp256K1())
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	assert.Equal(t, KindTransient, Classify(WithKind(KindTransient, base)))
	assert.Equal(t, KindValidityExpired, Classify(WithKind(KindValidityExpired, base)))
	assert.Equal(t, KindInsufficientSignatures, Classify(WithKind(KindInsufficientSignatures, base)))
	assert.Equal(t, KindOther, Classify(base))
	assert.Equal(t, KindValidityExpired, Classify(context.DeadlineExceeded))

	// Wrapping survives classification.
	wrapped := WithKind(KindTransient, base)
	assert.True(t, errors.Is(wrapped, base))
}

func TestFakeAdapter_Defaults(t *testing.T) {
	f := &FakeAdapter{}
	res, err := f.Submit(context.Background(), []byte("frozen"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, 1, f.SubmitCount())

	// SigningBytes delegates to the real protobuf layer.
	bodies, err := f.SigningBytes(frozen(t, 3))
	require.NoError(t, err)
	assert.Len(t, bodies, 1)
}
