package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites a slice holding key material with zeros. The
// ConstantTimeCompare call and KeepAlive guard discourage the compiler
// from eliding the wipe. A nil or empty slice is a no-op.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
}

// WipeKeyPair erases the private half of a key pair once it is no
// longer needed. The public half stays intact.
func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
