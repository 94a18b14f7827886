// Package secrets generates the random tokens the supervisor hands out:
// the per-run dev-request fencing token and the database's rotated password.
package secrets

import (
	"crypto/rand"
	"fmt"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken returns a random alphanumeric string of length n, suitable
// for the dev-request fencing token or a rotated database password.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}

// DevToken returns a 32-character fencing token, checked on every request a
// child process proxies back through the supervisor.
func DevToken() (string, error) {
	return GenerateToken(32)
}

// DBPassword returns a 32-character password used to rotate the embedded
// database's default credential on startup.
func DBPassword() (string, error) {
	return GenerateToken(32)
}
