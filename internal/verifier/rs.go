package verifier

import (
	"fmt"
	"math/big"
)

// splitRawRS splits a 64-byte raw R||S signature (the form ATproto-style
// firehoses use, never DER) into its two 32-byte scalars.
func splitRawRS(sig []byte) (r, s *big.Int, err error) {
	if len(sig) != 64 {
		return nil, nil, fmt.Errorf("verifier: expected 64-byte raw signature, got %d", len(sig))
	}
	r = new(big.Int).SetBytes(sig[:32])
	s = new(big.Int).SetBytes(sig[32:])
	return r, s, nil
}
