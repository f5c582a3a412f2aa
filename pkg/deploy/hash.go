package deploy

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"math/big"
	"os"
)

// Hex renders a digest as unpadded lower-case hex, the form deploy hashes
// are exchanged in.
func Hex(sum []byte) string {
	return new(big.Int).SetBytes(sum).Text(16)
}

// Digest hashes data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Hex(sum[:])
}

// Hash is the deploy credential for a bundle: the bundle digest salted
// first with the pass and then with the server nonce.
func Hash(data []byte, pass, nonce string) string {
	return Salt(Digest(data), pass, nonce)
}

// Salt derives the credential from a bundle digest.
func Salt(digest, pass, nonce string) string {
	return Digest([]byte(Digest([]byte(digest+pass)) + nonce))
}

// HashFile is Hash over the contents of a file.
func HashFile(name, pass, nonce string) (string, error) {
	digest, err := DigestFile(name)
	if err != nil {
		return "", err
	}
	return Salt(digest, pass, nonce), nil
}

// DigestFile hashes a file without reading it into memory.
func DigestFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return Hex(h.Sum(nil)), nil
}

// Equal compares two credentials in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
