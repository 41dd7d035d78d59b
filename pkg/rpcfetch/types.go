package rpcfetch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// BlockOptions configures a getBlock request.
type BlockOptions struct {
	Commitment                     types.Commitment
	Encoding                       string
	TransactionDetails             string
	Rewards                        bool
	MaxSupportedTransactionVersion int
}

// FullBlockOptions requests every transaction with full metadata, base64
// payloads and the reward list.
func FullBlockOptions(commitment types.Commitment) BlockOptions {
	return BlockOptions{
		Commitment:                     commitment,
		Encoding:                       "base64",
		TransactionDetails:             "full",
		Rewards:                        true,
		MaxSupportedTransactionVersion: 0,
	}
}

func (o BlockOptions) params() map[string]interface{} {
	return map[string]interface{}{
		"commitment":                     o.Commitment.String(),
		"encoding":                       o.Encoding,
		"transactionDetails":             o.TransactionDetails,
		"rewards":                        o.Rewards,
		"maxSupportedTransactionVersion": o.MaxSupportedTransactionVersion,
	}
}

// Block is the getBlock response.
//
// BlockHeight is nil for blocks produced before block heights were tracked.
// Transactions is nil when the response carries no transaction list, which
// is distinct from an empty list.
type Block struct {
	Blockhash         string                       `json:"blockhash"`
	PreviousBlockhash string                       `json:"previousBlockhash"`
	ParentSlot        uint64                       `json:"parentSlot"`
	BlockTime         *int64                       `json:"blockTime"`
	BlockHeight       *uint64                      `json:"blockHeight"`
	Transactions      []EncodedTransactionWithMeta `json:"transactions"`
	Rewards           []Reward                     `json:"rewards"`
}

// EncodedTransactionWithMeta is one entry of a block's transaction list.
type EncodedTransactionWithMeta struct {
	Transaction json.RawMessage  `json:"transaction"`
	Meta        *TransactionMeta `json:"meta"`
	Version     json.RawMessage  `json:"version"`
}

// Payload returns the raw wire-format transaction bytes. Only the binary
// encodings ("base64" and "base58") can be decoded; "json" transactions
// return ErrUnsupportedEncoding.
func (t EncodedTransactionWithMeta) Payload() ([]byte, error) {
	var pair []string
	if err := json.Unmarshal(t.Transaction, &pair); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("%w: expected [data, encoding], got %d elements", ErrUnsupportedEncoding, len(pair))
	}

	switch pair[1] {
	case "base64":
		return base64.StdEncoding.DecodeString(pair[0])
	case "base58":
		return base58.Decode(pair[0])
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, pair[1])
	}
}

// TransactionMeta is the execution metadata of a transaction.
type TransactionMeta struct {
	Err                  *TransactionError `json:"err"`
	Fee                  uint64            `json:"fee"`
	PreBalances          []uint64          `json:"preBalances"`
	PostBalances         []uint64          `json:"postBalances"`
	LogMessages          []string          `json:"logMessages"`
	ComputeUnitsConsumed *uint64           `json:"computeUnitsConsumed"`
}

// TransactionError is the execution error reported for a transaction. The
// upstream encodes it as either a bare string ("AccountInUse") or an object
// ({"InstructionError":[0,{"Custom":1}]}); the raw JSON is kept verbatim.
type TransactionError struct {
	Raw json.RawMessage
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	var s string
	if err := json.Unmarshal(e.Raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Raw); err != nil {
		return string(e.Raw)
	}
	return buf.String()
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *TransactionError) UnmarshalJSON(data []byte) error {
	e.Raw = append(e.Raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e TransactionError) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// RewardTypeFee is the reward type credited to the block producer.
const RewardTypeFee = "Fee"

// Reward is a block reward entry.
type Reward struct {
	Pubkey      string  `json:"pubkey"`
	Lamports    int64   `json:"lamports"`
	PostBalance uint64  `json:"postBalance"`
	RewardType  *string `json:"rewardType"`
	Commission  *uint8  `json:"commission"`
}

// LatestBlockhash is the getLatestBlockhash response.
type LatestBlockhash struct {
	Slot                 uint64
	Blockhash            string
	LastValidBlockHeight uint64
}

// VoteAccount is one entry of the getVoteAccounts response.
type VoteAccount struct {
	VotePubkey       string      `json:"votePubkey"`
	NodePubkey       string      `json:"nodePubkey"`
	ActivatedStake   uint64      `json:"activatedStake"`
	EpochVoteAccount bool        `json:"epochVoteAccount"`
	Commission       uint8       `json:"commission"`
	LastVote         uint64      `json:"lastVote"`
	RootSlot         uint64      `json:"rootSlot"`
	EpochCredits     [][3]uint64 `json:"epochCredits"`
}

// VoteAccounts is the getVoteAccounts response.
type VoteAccounts struct {
	Current    []VoteAccount `json:"current"`
	Delinquent []VoteAccount `json:"delinquent"`
}

// ClusterNode is one entry of the getClusterNodes response.
type ClusterNode struct {
	Pubkey       string  `json:"pubkey"`
	Gossip       *string `json:"gossip"`
	TPU          *string `json:"tpu"`
	TPUQUIC      *string `json:"tpuQuic"`
	RPC          *string `json:"rpc"`
	PubSub       *string `json:"pubsub"`
	Version      *string `json:"version"`
	FeatureSet   *uint32 `json:"featureSet"`
	ShredVersion *uint16 `json:"shredVersion"`
}
