package sshserver

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultAuthorizedKeysPath returns ~/.ssh/authorized_keys.
func DefaultAuthorizedKeysPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "authorized_keys")
}

// loadAuthorizedKeys parses an OpenSSH authorized_keys file. Unparseable
// lines are skipped so one bad entry does not lock everyone out.
func loadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("authorized keys path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 16<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

func keyAuthorized(keys []ssh.PublicKey, key ssh.PublicKey) bool {
	marshaled := key.Marshal()
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), marshaled) {
			return true
		}
	}
	return false
}
