package token

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "RentEscrow/internal/errors"
)

// Directory maps payment token addresses to their ledgers.
type Directory struct {
	mu      sync.RWMutex
	ledgers map[common.Address]Ledger
}

// NewDirectory registers the given ledgers under their own token address.
func NewDirectory(ledgers ...Ledger) *Directory {
	d := &Directory{ledgers: make(map[common.Address]Ledger, len(ledgers))}
	for _, l := range ledgers {
		d.Register(l)
	}
	return d
}

// Register adds or replaces the ledger for l.Token().
func (d *Directory) Register(l Ledger) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledgers[l.Token()] = l
}

// Ledger implements Resolver.
func (d *Directory) Ledger(token common.Address) (Ledger, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.ledgers[token]
	if !ok {
		return nil, xerrors.New(CodeUnknownToken, "no ledger registered for token",
			xerrors.WithMetadata("token", token.Hex()))
	}
	return l, nil
}

// Tokens lists the registered token addresses in hex order.
func (d *Directory) Tokens() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]common.Address, 0, len(d.ledgers))
	for addr := range d.ledgers {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

var _ Resolver = (*Directory)(nil)
