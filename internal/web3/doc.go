// Package web3 houses blockchain connectivity utilities, including RPC
// clients, authorized-call dispatch, and multi-chain configuration helpers.
// It lets the custody daemon push already-authorized operations to supported
// networks such as Ethereum, BSC, and Polygon, with event subscriptions and
// batched transaction submission. Validation never happens at this layer.
package web3
