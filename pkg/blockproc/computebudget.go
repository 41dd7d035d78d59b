package blockproc

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// Compute Budget program instruction tags.
const (
	computeBudgetRequestUnitsDeprecated uint8 = 0
	computeBudgetRequestHeapFrame       uint8 = 1
	computeBudgetSetComputeUnitLimit    uint8 = 2
	computeBudgetSetComputeUnitPrice    uint8 = 3
)

// ComputeBudget is what a transaction asked of the Compute Budget program.
// Nil fields mean the transaction did not ask.
type ComputeBudget struct {
	// UnitsRequested is the compute unit limit.
	UnitsRequested *int64

	// PrioritizationFee is the compute unit price in micro-lamports.
	PrioritizationFee *int64
}

type legacyRequestUnits struct {
	units         uint32
	additionalFee uint32
}

// ExtractComputeBudget scans the message's top-level instructions for
// Compute Budget program instructions.
//
// The first SetComputeUnitLimit and the first SetComputeUnitPrice are used.
// A deprecated RequestUnits instruction overrides both: its units become the
// limit, and when its additional fee is non-zero the fee becomes
// units*1000/additionalFee. Heap frame requests and malformed instruction
// data are ignored.
func ExtractComputeBudget(msg *Message) ComputeBudget {
	var (
		budget ComputeBudget
		legacy *legacyRequestUnits
	)

	for _, ix := range msg.Instructions {
		program, ok := msg.ProgramID(ix)
		if !ok || program != types.ComputeBudgetProgramAddr || len(ix.Data) == 0 {
			continue
		}

		body := ix.Data[1:]
		switch ix.Data[0] {
		case computeBudgetRequestUnitsDeprecated:
			if legacy == nil && len(body) >= 8 {
				legacy = &legacyRequestUnits{
					units:         binary.LittleEndian.Uint32(body[0:4]),
					additionalFee: binary.LittleEndian.Uint32(body[4:8]),
				}
			}
		case computeBudgetSetComputeUnitLimit:
			if budget.UnitsRequested == nil && len(body) >= 4 {
				limit := int64(binary.LittleEndian.Uint32(body))
				budget.UnitsRequested = &limit
			}
		case computeBudgetSetComputeUnitPrice:
			if budget.PrioritizationFee == nil && len(body) >= 8 {
				price := int64(binary.LittleEndian.Uint64(body))
				budget.PrioritizationFee = &price
			}
		case computeBudgetRequestHeapFrame:
			// No bearing on units or fees.
		}
	}

	if legacy != nil {
		units := int64(legacy.units)
		budget.UnitsRequested = &units
		if legacy.additionalFee > 0 {
			fee := int64(uint64(legacy.units) * 1000 / uint64(legacy.additionalFee))
			budget.PrioritizationFee = &fee
		}
	}

	return budget
}
