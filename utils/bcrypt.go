package utils

import "golang.org/x/crypto/bcrypt"

func HashSecret(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// CompareSecret returns nil when plain matches the bcrypt hash.
func CompareSecret(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}
