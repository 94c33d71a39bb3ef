package audit

import "github.com/wisbric/vaultkernel/internal/cryptoengine"

func sha256Concat(parts ...[]byte) []byte {
	return cryptoengine.SHA256(parts...)
}

func boolBytes(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
