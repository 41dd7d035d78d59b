// X1-Relay: lite RPC relay for X1 and Solana clusters.
//
// The relay polls an upstream validator's JSON-RPC endpoint, keeps a window
// of recent blockhashes in memory, and serves the blockhash, slot and
// topology queries clients send before submitting transactions.
package main

import (
	"os"

	"github.com/fortiblox/X1-Relay/cmd/relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
