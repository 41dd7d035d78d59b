package types

// Native program addresses the relay needs to recognise.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// VoteProgramAddr is the Vote Program address.
	VoteProgramAddr = MustPubkeyFromBase58("Vote111111111111111111111111111111111111111")

	// ComputeBudgetProgramAddr is the Compute Budget Program address.
	ComputeBudgetProgramAddr = MustPubkeyFromBase58("ComputeBudget111111111111111111111111111111")
)

// MaxProcessingAge is the number of blocks a blockhash stays usable for
// transaction submission. The upstream reports lastValidBlockHeight as
// blockHeight + MaxProcessingAge.
const MaxProcessingAge = 150
