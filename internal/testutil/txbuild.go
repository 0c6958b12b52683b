// Package testutil builds frozen Hedera transactions for tests without
// touching the network. The bytes are protobuf-identical to what the SDK
// produces when freezing, so decoders and verifiers see the real format.
package testutil

import (
	"testing"
	"time"

	"github.com/hashgraph/hedera-protobufs-go/services"
	"google.golang.org/protobuf/proto"
)

// TransferLeg is one account/amount pair of a test transfer.
type TransferLeg struct {
	AccountNum int64
	Amount     int64 // tinybars
}

// TxOptions shape the generated transaction body.
type TxOptions struct {
	PayerNum      int64
	NodeNums      []int64 // one frozen body per node; defaults to {3}
	ValidStart    time.Time
	ValidDuration time.Duration
	Memo          string
	MaxFee        uint64
}

func (o *TxOptions) defaults() {
	if o.PayerNum == 0 {
		o.PayerNum = 1001
	}
	if len(o.NodeNums) == 0 {
		o.NodeNums = []int64{3}
	}
	if o.ValidStart.IsZero() {
		o.ValidStart = time.Now()
	}
	if o.ValidDuration == 0 {
		o.ValidDuration = 120 * time.Second
	}
	if o.MaxFee == 0 {
		o.MaxFee = 100_000_000
	}
}

func accountID(num int64) *services.AccountID {
	return &services.AccountID{Account: &services.AccountID_AccountNum{AccountNum: num}}
}

// FrozenTransfer builds serialized frozen bytes for a crypto transfer.
func FrozenTransfer(t *testing.T, legs []TransferLeg, opts TxOptions) []byte {
	t.Helper()
	amounts := make([]*services.AccountAmount, 0, len(legs))
	for _, leg := range legs {
		amounts = append(amounts, &services.AccountAmount{
			AccountID: accountID(leg.AccountNum),
			Amount:    leg.Amount,
		})
	}
	return freeze(t, func(body *services.TransactionBody) {
		body.Data = &services.TransactionBody_CryptoTransfer{
			CryptoTransfer: &services.CryptoTransferTransactionBody{
				Transfers: &services.TransferList{AccountAmounts: amounts},
			},
		}
	}, opts)
}

// FrozenContractCall builds serialized frozen bytes for a contract
// execution with the given call data.
func FrozenContractCall(t *testing.T, contractNum int64, gas int64, payable int64, callData []byte, opts TxOptions) []byte {
	t.Helper()
	return freeze(t, func(body *services.TransactionBody) {
		body.Data = &services.TransactionBody_ContractCall{
			ContractCall: &services.ContractCallTransactionBody{
				ContractID: &services.ContractID{
					Contract: &services.ContractID_ContractNum{ContractNum: contractNum},
				},
				Gas:                gas,
				Amount:             payable,
				FunctionParameters: callData,
			},
		}
	}, opts)
}

// freeze wraps a body into the TransactionList envelope the SDK emits
// from ToBytes after freezing: one SignedTransaction per node. setData
// installs the type-specific oneof on each node body.
func freeze(t *testing.T, setData func(*services.TransactionBody), opts TxOptions) []byte {
	t.Helper()
	opts.defaults()

	list := &services.TransactionList{}
	for _, node := range opts.NodeNums {
		body := &services.TransactionBody{
			TransactionID: &services.TransactionID{
				TransactionValidStart: &services.Timestamp{
					Seconds: opts.ValidStart.Unix(),
					Nanos:   int32(opts.ValidStart.Nanosecond()),
				},
				AccountID: accountID(opts.PayerNum),
			},
			NodeAccountID:            accountID(node),
			TransactionFee:           opts.MaxFee,
			TransactionValidDuration: &services.Duration{Seconds: int64(opts.ValidDuration / time.Second)},
			Memo:                     opts.Memo,
		}
		setData(body)
		bodyBytes, err := proto.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		signed := &services.SignedTransaction{
			BodyBytes: bodyBytes,
			SigMap:    &services.SignatureMap{},
		}
		signedBytes, err := proto.Marshal(signed)
		if err != nil {
			t.Fatalf("marshal signed transaction: %v", err)
		}
		list.TransactionList = append(list.TransactionList, &services.Transaction{
			SignedTransactionBytes: signedBytes,
		})
	}

	raw, err := proto.Marshal(list)
	if err != nil {
		t.Fatalf("marshal transaction list: %v", err)
	}
	return raw
}
