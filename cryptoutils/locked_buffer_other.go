//go:build !linux

package cryptoutils

// Outside linux the buffer lives on the heap and is only wiped on Close.
func allocLocked(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeLocked([]byte) error {
	return nil
}
