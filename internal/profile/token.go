package profile

import (
	"os"
	"strings"
)

// LoadToken reads the stored access token for a profile. Returns "" if
// none is stored.
func LoadToken(name string) string {
	data, err := os.ReadFile(TokenPath(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveToken persists the access token for a profile.
func SaveToken(name, token string) error {
	return os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600)
}

// ClearToken removes the stored token. Missing file is not an error.
func ClearToken(name string) error {
	err := os.Remove(TokenPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
