// Package api exposes the REST surface of the custody service: proposal
// submission and inspection, account policy administration, and vault
// share operations. Every mutating endpoint resolves the caller address
// through the identity middleware before touching domain state.
package api
