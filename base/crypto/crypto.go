package crypto

// Uniform random integers and reservoir sampling on top of crypto/rand, see
// J. S. Vitter, Random Sampling with a Reservoir, ACM TOMS 11 (1), 1985

import (
	"crypto/rand"
	"math/big"
)

func RandIntn(n int) (int, error) {
	if n <= 0 {
		panic("invalid argument: n must be greater than 0")
	}
	if n == 1 {
		return 0, nil
	}
	x, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(x.Int64()), nil
}

// Sample selects k of n items uniformly at random. pick(dst, src) moves item
// src into slot dst; the first k slots hold the result. Sample returns the
// number of selected items, min(k, n).
func Sample(k, n int, pick func(dst, src int)) (int, error) {
	if k < 0 {
		panic("invalid argument: k must be non-negative")
	}
	if n < 0 {
		panic("invalid argument: n must be non-negative")
	}
	k = min(k, n)
	for i := range k {
		pick(i, i)
	}
	for i := k; i != n; i++ {
		j, err := RandIntn(i + 1)
		if err != nil {
			return 0, err
		}
		if j < k {
			pick(j, i)
		}
	}
	return k, nil
}
