package cryptoutils

import "github.com/ruteri/tee-signing-vault/codec"

func (w *wireEnvelope) encodeForTest() ([]byte, error) {
	return codec.Marshal(w)
}
