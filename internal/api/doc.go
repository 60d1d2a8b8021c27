// Package api exposes the HTTP JSON interface of the rent escrow daemon:
// landlords create rentals and look them up by owner index, tenants enter and
// pay, and landlords withdraw unpaid rent or end the rental. Every successful
// mutation is persisted through the registry's snapshot store.
package api
