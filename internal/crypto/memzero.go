package crypto

import "crypto/subtle"

// Zero overwrites b with zeros. Every secret the core retains past its use (identity
// secrets, seed secrets, member secrets, chain keys pushed out of the ratchet's skipped-key
// window) must be scrubbed this way before the backing array becomes garbage.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
