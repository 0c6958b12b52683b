package chain

import (
	"fmt"

	"github.com/hashgraph/hedera-protobufs-go/services"
	"google.golang.org/protobuf/proto"
)

// ExtractSigningBytes parses a frozen transaction's serialized
// TransactionList and returns the canonical body bytes per node, in the
// order the transaction was frozen for. Signatures are computed over these
// bytes, one per node-specific body.
func ExtractSigningBytes(frozen []byte) ([][]byte, error) {
	if len(frozen) == 0 {
		return nil, fmt.Errorf("empty frozen transaction")
	}

	var list services.TransactionList
	if err := proto.Unmarshal(frozen, &list); err != nil {
		return nil, fmt.Errorf("unmarshal transaction list: %w", err)
	}
	if len(list.TransactionList) == 0 {
		return nil, fmt.Errorf("frozen transaction contains no node bodies")
	}

	bodies := make([][]byte, 0, len(list.TransactionList))
	for i, tx := range list.TransactionList {
		if len(tx.SignedTransactionBytes) == 0 {
			return nil, fmt.Errorf("node body %d: missing signed transaction bytes", i)
		}
		var signed services.SignedTransaction
		if err := proto.Unmarshal(tx.SignedTransactionBytes, &signed); err != nil {
			return nil, fmt.Errorf("node body %d: %w", i, err)
		}
		if len(signed.BodyBytes) == 0 {
			return nil, fmt.Errorf("node body %d: empty body", i)
		}
		bodies = append(bodies, signed.BodyBytes)
	}
	return bodies, nil
}
