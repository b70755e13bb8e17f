package ledger

import (
	"fmt"

	"github.com/stellar/go/keypair"
)

// Keys is a ledger keypair. Secret is a Stellar seed and must never be
// logged or serialized to clients.
type Keys struct {
	Public string
	Secret string
}

// NewKeys generates a fresh random keypair.
func NewKeys() (Keys, error) {
	kp, err := keypair.Random()
	if err != nil {
		return Keys{}, fmt.Errorf("ledger: generate keypair: %w", err)
	}
	return Keys{Public: kp.Address(), Secret: kp.Seed()}, nil
}

func (k Keys) full() (*keypair.Full, error) {
	kp, err := keypair.ParseFull(k.Secret)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse secret: %w", err)
	}
	if kp.Address() != k.Public {
		return nil, fmt.Errorf("ledger: secret does not match public key %s", k.Public)
	}
	return kp, nil
}
