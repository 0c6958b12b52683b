package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashgraph/hedera-protobufs-go/services"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"google.golang.org/protobuf/proto"
)

// HederaAdapter submits through the Hedera Go SDK. Signature attachment is
// done at the protobuf layer so per-node bodies keep their own signatures.
type HederaAdapter struct {
	network  string // "mainnet" | "testnet" | "previewnet"
	operator *operator
	logger   *slog.Logger
}

type operator struct {
	accountID hedera.AccountID
	key       hedera.PrivateKey
}

// NewHederaAdapter creates an adapter for the named network. The operator
// is optional: a frozen transaction already names its payer, so submission
// itself needs no operator, but receipt queries are cheaper with one.
func NewHederaAdapter(network string, operatorID, operatorKey string, logger *slog.Logger) (*HederaAdapter, error) {
	a := &HederaAdapter{network: network, logger: logger}
	if operatorID != "" && operatorKey != "" {
		acc, err := hedera.AccountIDFromString(operatorID)
		if err != nil {
			return nil, fmt.Errorf("operator account: %w", err)
		}
		key, err := hedera.PrivateKeyFromString(operatorKey)
		if err != nil {
			return nil, fmt.Errorf("operator key: %w", err)
		}
		a.operator = &operator{accountID: acc, key: key}
	}
	return a, nil
}

// client builds a fresh SDK client. Submit constructs one per call so a
// transient-failure retry never reuses a possibly poisoned channel set.
func (a *HederaAdapter) client() (*hedera.Client, error) {
	client, err := hedera.ClientForName(a.network)
	if err != nil {
		return nil, fmt.Errorf("unknown network %q: %w", a.network, err)
	}
	if a.operator != nil {
		client.SetOperator(a.operator.accountID, a.operator.key)
	}
	return client, nil
}

func (a *HederaAdapter) SigningBytes(frozen []byte) ([][]byte, error) {
	return ExtractSigningBytes(frozen)
}

// AttachSignature appends one signature pair per node body. sigs must have
// exactly one entry per node the transaction was frozen for.
func (a *HederaAdapter) AttachSignature(frozen []byte, publicKey string, sigs [][]byte) ([]byte, error) {
	pk, err := hedera.PublicKeyFromString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	raw := pk.BytesRaw()

	var list services.TransactionList
	if err := proto.Unmarshal(frozen, &list); err != nil {
		return nil, fmt.Errorf("unmarshal transaction list: %w", err)
	}
	if len(sigs) != len(list.TransactionList) {
		return nil, fmt.Errorf("got %d signatures for %d node bodies", len(sigs), len(list.TransactionList))
	}

	for i, tx := range list.TransactionList {
		var signed services.SignedTransaction
		if err := proto.Unmarshal(tx.SignedTransactionBytes, &signed); err != nil {
			return nil, fmt.Errorf("node body %d: %w", i, err)
		}
		if signed.SigMap == nil {
			signed.SigMap = &services.SignatureMap{}
		}
		signed.SigMap.SigPair = append(signed.SigMap.SigPair, signaturePair(raw, sigs[i]))
		out, err := proto.Marshal(&signed)
		if err != nil {
			return nil, fmt.Errorf("node body %d: %w", i, err)
		}
		tx.SignedTransactionBytes = out
	}

	return proto.Marshal(&list)
}

// signaturePair picks the signature variant from the raw key length:
// 32 bytes is Ed25519, 33 a compressed secp256k1 point.
func signaturePair(rawKey, sig []byte) *services.SignaturePair {
	pair := &services.SignaturePair{PubKeyPrefix: rawKey}
	if len(rawKey) == 33 {
		pair.Signature = &services.SignaturePair_ECDSASecp256K1{ECDSASecp256K1: sig}
	} else {
		pair.Signature = &services.SignaturePair_Ed25519{Ed25519: sig}
	}
	return pair
}

// execute dispatches on the concrete transaction type. FromBytes hands
// the transaction back by value, so the switch binds addressable copies.
func execute(parsed interface{}, client *hedera.Client) (hedera.TransactionResponse, error) {
	switch t := parsed.(type) {
	case hedera.TransferTransaction:
		return t.Execute(client)
	case hedera.TokenAssociateTransaction:
		return t.Execute(client)
	case hedera.TokenMintTransaction:
		return t.Execute(client)
	case hedera.ContractExecuteTransaction:
		return t.Execute(client)
	case hedera.ContractCreateTransaction:
		return t.Execute(client)
	case hedera.AccountCreateTransaction:
		return t.Execute(client)
	case hedera.AccountUpdateTransaction:
		return t.Execute(client)
	case hedera.AccountDeleteTransaction:
		return t.Execute(client)
	case hedera.TopicCreateTransaction:
		return t.Execute(client)
	case hedera.TopicUpdateTransaction:
		return t.Execute(client)
	case hedera.TopicMessageSubmitTransaction:
		return t.Execute(client)
	case hedera.FileCreateTransaction:
		return t.Execute(client)
	case hedera.FileAppendTransaction:
		return t.Execute(client)
	case hedera.FileUpdateTransaction:
		return t.Execute(client)
	case hedera.ScheduleCreateTransaction:
		return t.Execute(client)
	case hedera.ScheduleSignTransaction:
		return t.Execute(client)
	default:
		return hedera.TransactionResponse{}, fmt.Errorf("transaction type %T is not executable", parsed)
	}
}

func (a *HederaAdapter) Submit(ctx context.Context, frozen []byte) (*Result, error) {
	client, err := a.client()
	if err != nil {
		return nil, WithKind(KindOther, err)
	}
	defer func() { _ = client.Close() }()

	parsed, err := hedera.TransactionFromBytes(frozen)
	if err != nil {
		return nil, WithKind(KindOther, fmt.Errorf("parse signed transaction: %w", err))
	}

	done := make(chan struct{})
	var (
		resp    hedera.TransactionResponse
		receipt hedera.TransactionReceipt
		execErr error
	)
	go func() {
		defer close(done)
		resp, execErr = execute(parsed, client)
		if execErr != nil {
			return
		}
		receipt, execErr = resp.GetReceipt(client)
	}()

	select {
	case <-ctx.Done():
		// The SDK call keeps running; the caller treats this as the
		// validity window closing and expires the session.
		return nil, WithKind(KindValidityExpired, ctx.Err())
	case <-done:
	}

	if execErr != nil {
		return nil, classifySDKError(execErr)
	}

	a.logger.Info("transaction executed",
		"transaction_id", resp.TransactionID.String(),
		"status", receipt.Status.String(),
	)
	return &Result{
		TransactionID: resp.TransactionID.String(),
		Receipt:       receipt.Status.String(),
	}, nil
}

// classifySDKError maps SDK precheck and receipt statuses onto the
// session state machine's failure kinds.
func classifySDKError(err error) error {
	status, ok := sdkStatus(err)
	if !ok {
		return WithKind(KindOther, err)
	}
	switch status {
	case hedera.StatusBusy,
		hedera.StatusPlatformNotActive,
		hedera.StatusPlatformTransactionNotCreated:
		return WithKind(KindTransient, err)
	case hedera.StatusTransactionExpired:
		return WithKind(KindValidityExpired, err)
	case hedera.StatusInvalidSignature,
		hedera.StatusKeyPrefixMismatch:
		return WithKind(KindInsufficientSignatures, err)
	default:
		return WithKind(KindOther, err)
	}
}

func sdkStatus(err error) (hedera.Status, bool) {
	var precheck hedera.ErrHederaPreCheckStatus
	if errors.As(err, &precheck) {
		return precheck.Status, true
	}
	var receipt hedera.ErrHederaReceiptStatus
	if errors.As(err, &receipt) {
		return receipt.Status, true
	}
	return hedera.StatusOk, false
}
