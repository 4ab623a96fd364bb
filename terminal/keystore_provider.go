//go:build !softhsm

package terminal

// openKeyStore returns the in-memory store. Builds with the softhsm tag load
// a PKCS#11 token instead.
func openKeyStore() (KeyStore, func(), error) {
	return NewMemoryKeyStore(), func() {}, nil
}
