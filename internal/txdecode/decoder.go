// Package txdecode turns frozen Hedera transaction bytes into a structured
// view participants can review before signing.
//
// The decoder is pure: the same bytes always produce the same view and the
// same checksum. It never talks to the network.
package txdecode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

// Kind tags the decoded transaction variant.
type Kind string

const (
	KindTransfer        Kind = "transfer"
	KindTokenAssociate  Kind = "token-associate"
	KindTokenMint       Kind = "token-mint"
	KindContractExecute Kind = "contract-execute"
	KindContractCreate  Kind = "contract-create"
	KindAccountCreate   Kind = "account-create"
	KindAccountUpdate   Kind = "account-update"
	KindAccountDelete   Kind = "account-delete"
	KindTopicCreate     Kind = "topic-create"
	KindTopicUpdate     Kind = "topic-update"
	KindTopicSubmit     Kind = "topic-submit"
	KindFileCreate      Kind = "file-create"
	KindFileAppend      Kind = "file-append"
	KindFileUpdate      Kind = "file-update"
	KindScheduleCreate  Kind = "schedule-create"
	KindScheduleSign    Kind = "schedule-sign"
	KindUnknown         Kind = "unknown"
)

// TransferEntry is one leg of a transfer. Amount is in tinybars for HBAR
// legs and in the token's smallest denomination for token legs.
type TransferEntry struct {
	AccountID  string  `json:"accountId"`
	Amount     int64   `json:"amount"`
	TokenID    string  `json:"tokenId,omitempty"`
	NFTSerials []int64 `json:"nftSerials,omitempty"`
}

// ContractCall describes a contract-execute transaction. FunctionName and
// FunctionParams are populated only when a contract interface was supplied
// and the selector verified.
type ContractCall struct {
	ContractID       string   `json:"contractId"`
	Gas              uint64   `json:"gas"`
	PayableAmount    int64    `json:"payableAmount"` // tinybars
	Selector         string   `json:"selector,omitempty"`
	FunctionName     string   `json:"functionName,omitempty"`
	FunctionParams   []string `json:"functionParams,omitempty"`
	SelectorVerified bool     `json:"selectorVerified"`
}

// TokenOp describes a token-associate or token-mint transaction.
type TokenOp struct {
	AccountID string   `json:"accountId,omitempty"`
	TokenIDs  []string `json:"tokenIds,omitempty"`
	Amount    uint64   `json:"amount,omitempty"`
	Metadata  int      `json:"metadataCount,omitempty"` // NFT mints: number of metadata blobs
}

// TopicOp describes a topic create/update/submit transaction.
type TopicOp struct {
	TopicID     string `json:"topicId,omitempty"`
	Memo        string `json:"memo,omitempty"`
	MessageSize int    `json:"messageSize,omitempty"`
}

// AccountOp describes an account create/update/delete transaction.
type AccountOp struct {
	AccountID      string `json:"accountId,omitempty"`
	Key            string `json:"key,omitempty"`
	InitialBalance int64  `json:"initialBalance,omitempty"` // tinybars
	TransferTo     string `json:"transferAccountId,omitempty"`
}

// Decoded is the tagged structured view of a frozen transaction. Exactly
// one of the type-specific fields is set, matching Kind.
type Decoded struct {
	Kind                 Kind   `json:"type"`
	Checksum             string `json:"checksum"` // hex SHA-256 of the full byte blob
	TransactionID        string `json:"transactionId"`
	NodeAccountIDs       []string `json:"nodeAccountIds"`
	MaxFee               int64    `json:"maxFee"` // tinybars
	Memo                 string   `json:"memo,omitempty"`
	ValidStartUnix       int64    `json:"validStartUnix"`
	ValidDurationSeconds int64    `json:"validDurationSeconds"`
	ExpiresAtUnix        int64    `json:"expiresAtUnix"`

	Transfers []TransferEntry `json:"transfers,omitempty"`
	Contract  *ContractCall   `json:"contract,omitempty"`
	Token     *TokenOp        `json:"token,omitempty"`
	Topic     *TopicOp        `json:"topic,omitempty"`
	Account   *AccountOp      `json:"account,omitempty"`
}

// AccountIDs returns every account referenced by the decoded view,
// used by metadata validation.
func (d *Decoded) AccountIDs() []string {
	var out []string
	for _, t := range d.Transfers {
		out = append(out, t.AccountID)
	}
	if d.Token != nil && d.Token.AccountID != "" {
		out = append(out, d.Token.AccountID)
	}
	if d.Account != nil {
		if d.Account.AccountID != "" {
			out = append(out, d.Account.AccountID)
		}
		if d.Account.TransferTo != "" {
			out = append(out, d.Account.TransferTo)
		}
	}
	return out
}

// DecodeError is a decoder failure with a stable reason code.
type DecodeError struct {
	Reason  string // "decode-error" | "selector-mismatch"
	Message string
}

func (e *DecodeError) Error() string { return e.Reason + ": " + e.Message }

func decodeErrf(format string, args ...any) error {
	return &DecodeError{Reason: "decode-error", Message: fmt.Sprintf(format, args...)}
}

// baseTx is the field surface shared by every frozen SDK transaction type.
type baseTx interface {
	GetTransactionID() hedera.TransactionID
	GetNodeAccountIDs() []hedera.AccountID
	GetMaxTransactionFee() hedera.Hbar
	GetTransactionMemo() string
	GetTransactionValidDuration() time.Duration
}

// Decode parses frozen transaction bytes. contractInterface is an optional
// list of human-readable function signatures (e.g. "transfer(address,uint256)")
// used to decode contract-execute parameters; when supplied, the derived
// selector must match the first four bytes of the call data or decoding
// fails with selector-mismatch.
func Decode(raw []byte, contractInterface []string) (*Decoded, error) {
	if len(raw) == 0 {
		return nil, decodeErrf("empty transaction bytes")
	}
	sum := sha256.Sum256(raw)

	tx, err := hedera.TransactionFromBytes(raw)
	if err != nil {
		return nil, decodeErrf("parse frozen bytes: %v", err)
	}

	d := &Decoded{Checksum: hex.EncodeToString(sum[:])}

	// TransactionFromBytes hands back the concrete transaction by value;
	// the switch binds an addressable copy so pointer-receiver getters
	// work.
	switch t := tx.(type) {
	case hedera.TransferTransaction:
		d.Kind = KindTransfer
		fillCommon(d, &t)
		d.Transfers = flattenTransfers(&t)
	case hedera.TokenAssociateTransaction:
		d.Kind = KindTokenAssociate
		fillCommon(d, &t)
		op := &TokenOp{}
		if acc := t.GetAccountID(); acc.Account != 0 || acc.Realm != 0 || acc.Shard != 0 {
			op.AccountID = acc.String()
		}
		for _, tok := range t.GetTokenIDs() {
			op.TokenIDs = append(op.TokenIDs, tok.String())
		}
		d.Token = op
	case hedera.TokenMintTransaction:
		d.Kind = KindTokenMint
		fillCommon(d, &t)
		d.Token = &TokenOp{
			TokenIDs: []string{t.GetTokenID().String()},
			Amount:   t.GetAmount(),
			Metadata: len(t.GetMetadatas()),
		}
	case hedera.ContractExecuteTransaction:
		d.Kind = KindContractExecute
		fillCommon(d, &t)
		call, err := decodeContractCall(&t, contractInterface)
		if err != nil {
			return nil, err
		}
		d.Contract = call
	case hedera.ContractCreateTransaction:
		d.Kind = KindContractCreate
		fillCommon(d, &t)
		d.Contract = &ContractCall{
			Gas:           uint64(t.GetGas()),
			PayableAmount: t.GetInitialBalance().AsTinybar(),
		}
	case hedera.AccountCreateTransaction:
		d.Kind = KindAccountCreate
		fillCommon(d, &t)
		op := &AccountOp{InitialBalance: t.GetInitialBalance().AsTinybar()}
		if k, err := t.GetKey(); err == nil && k != nil {
			op.Key = keyString(k)
		}
		d.Account = op
	case hedera.AccountUpdateTransaction:
		d.Kind = KindAccountUpdate
		fillCommon(d, &t)
		op := &AccountOp{AccountID: t.GetAccountID().String()}
		if k, err := t.GetKey(); err == nil && k != nil {
			op.Key = keyString(k)
		}
		d.Account = op
	case hedera.AccountDeleteTransaction:
		d.Kind = KindAccountDelete
		fillCommon(d, &t)
		d.Account = &AccountOp{
			AccountID:  t.GetAccountID().String(),
			TransferTo: t.GetTransferAccountID().String(),
		}
	case hedera.TopicCreateTransaction:
		d.Kind = KindTopicCreate
		fillCommon(d, &t)
		d.Topic = &TopicOp{Memo: t.GetTopicMemo()}
	case hedera.TopicUpdateTransaction:
		d.Kind = KindTopicUpdate
		fillCommon(d, &t)
		d.Topic = &TopicOp{TopicID: t.GetTopicID().String(), Memo: t.GetTopicMemo()}
	case hedera.TopicMessageSubmitTransaction:
		d.Kind = KindTopicSubmit
		fillCommon(d, &t)
		d.Topic = &TopicOp{TopicID: t.GetTopicID().String(), MessageSize: len(t.GetMessage())}
	case hedera.FileCreateTransaction:
		d.Kind = KindFileCreate
		fillCommon(d, &t)
	case hedera.FileAppendTransaction:
		d.Kind = KindFileAppend
		fillCommon(d, &t)
	case hedera.FileUpdateTransaction:
		d.Kind = KindFileUpdate
		fillCommon(d, &t)
	case hedera.ScheduleCreateTransaction:
		d.Kind = KindScheduleCreate
		fillCommon(d, &t)
	case hedera.ScheduleSignTransaction:
		d.Kind = KindScheduleSign
		fillCommon(d, &t)
	default:
		// Unknown kinds still decode to a checksum-only view; the
		// participant sees that the transaction could not be itemized.
		d.Kind = KindUnknown
	}

	return d, nil
}

// keyString renders any SDK key type; not all of them are Stringers.
func keyString(k hedera.Key) string {
	if s, ok := k.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", k)
}

func fillCommon(d *Decoded, tx baseTx) {
	txID := tx.GetTransactionID()
	d.TransactionID = txID.String()
	if txID.ValidStart != nil {
		d.ValidStartUnix = txID.ValidStart.Unix()
	}
	for _, n := range tx.GetNodeAccountIDs() {
		d.NodeAccountIDs = append(d.NodeAccountIDs, n.String())
	}
	d.MaxFee = tx.GetMaxTransactionFee().AsTinybar()
	d.Memo = tx.GetTransactionMemo()
	d.ValidDurationSeconds = int64(tx.GetTransactionValidDuration() / time.Second)
	if d.ValidStartUnix > 0 && d.ValidDurationSeconds > 0 {
		d.ExpiresAtUnix = d.ValidStartUnix + d.ValidDurationSeconds
	}
}

// flattenTransfers merges HBAR, fungible, and NFT legs into one ordered
// list. Ordering is account-then-token so the view is deterministic.
func flattenTransfers(t *hedera.TransferTransaction) []TransferEntry {
	var out []TransferEntry

	for acc, amt := range t.GetHbarTransfers() {
		out = append(out, TransferEntry{AccountID: acc.String(), Amount: amt.AsTinybar()})
	}
	for token, transfers := range t.GetTokenTransfers() {
		for _, tr := range transfers {
			out = append(out, TransferEntry{
				AccountID: tr.AccountID.String(),
				Amount:    tr.Amount,
				TokenID:   token.String(),
			})
		}
	}
	for token, nfts := range t.GetNftTransfers() {
		serialsBySender := make(map[string][]int64)
		serialsByReceiver := make(map[string][]int64)
		for _, n := range nfts {
			serialsBySender[n.SenderAccountID.String()] = append(serialsBySender[n.SenderAccountID.String()], n.SerialNumber)
			serialsByReceiver[n.ReceiverAccountID.String()] = append(serialsByReceiver[n.ReceiverAccountID.String()], n.SerialNumber)
		}
		for acc, serials := range serialsBySender {
			sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
			out = append(out, TransferEntry{AccountID: acc, Amount: -int64(len(serials)), TokenID: token.String(), NFTSerials: serials})
		}
		for acc, serials := range serialsByReceiver {
			sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
			out = append(out, TransferEntry{AccountID: acc, Amount: int64(len(serials)), TokenID: token.String(), NFTSerials: serials})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

func decodeContractCall(t *hedera.ContractExecuteTransaction, contractInterface []string) (*ContractCall, error) {
	call := &ContractCall{
		ContractID:    t.GetContractID().String(),
		Gas:           uint64(t.GetGas()),
		PayableAmount: t.GetPayableAmount().AsTinybar(),
	}
	params := t.GetFunctionParameters()
	if len(params) >= 4 {
		call.Selector = hex.EncodeToString(params[:4])
	}
	if len(contractInterface) == 0 {
		return call, nil
	}
	if len(params) < 4 {
		return nil, &DecodeError{Reason: "selector-mismatch", Message: "call data shorter than a function selector"}
	}
	fn, args, err := matchFunction(contractInterface, params)
	if err != nil {
		return nil, err
	}
	call.FunctionName = fn.Name
	call.FunctionParams = args
	call.SelectorVerified = true
	return call, nil
}
