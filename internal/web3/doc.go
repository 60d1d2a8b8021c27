// Package web3 houses blockchain connectivity: chain and token definitions
// loaded from YAML and the client abstraction the ERC-20 ledger is built on.
package web3
