package wire

import "github.com/waku-org/go-sds/bloom"

const errorRatePPM = 1_000_000

// FilterToWire converts a live bloom.Filter into its wire representation.
func FilterToWire(f *bloom.Filter) *SerializedFilter {
	return &SerializedFilter{
		Bits:      f.Bits(),
		Capacity:  f.Capacity(),
		ErrorRate: uint64(f.ErrorRate() * errorRatePPM),
		KHashes:   uint64(f.KHashes()),
		MBits:     f.MBits(),
	}
}

// FilterFromWire reconstructs a bloom.Filter from its wire representation.
func FilterFromWire(sf *SerializedFilter) (*bloom.Filter, error) {
	errorRate := float64(sf.ErrorRate) / errorRatePPM
	return bloom.FromBits(sf.Capacity, errorRate, int(sf.KHashes), sf.MBits, sf.Bits)
}
