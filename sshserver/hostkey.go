package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HostKey is the daemon's SSH identity.
type HostKey struct {
	Signer      ssh.Signer
	Fingerprint string
	// Created is set when the key was generated by this call.
	Created bool
	// LoosePerms is set when an existing key file is readable by group or others.
	LoosePerms bool
}

// EnsureHostKey loads the ed25519 host key at path, generating it on first
// start. The file is written to a temp name and linked into place, so a
// concurrent daemon either wins the race or loads the winner's key.
func EnsureHostKey(path string) (HostKey, error) {
	if strings.TrimSpace(path) == "" {
		return HostKey{}, errors.New("ssh host key path is required")
	}
	key, err := loadHostKey(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return key, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return HostKey{}, fmt.Errorf("create host key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostKey{}, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, hostKeyComment())
	if err != nil {
		return HostKey{}, fmt.Errorf("marshal host key: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".host_key-*")
	if err != nil {
		return HostKey{}, fmt.Errorf("write host key: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return HostKey{}, fmt.Errorf("chmod host key: %w", err)
	}
	if err := pem.Encode(tmp, block); err != nil {
		_ = tmp.Close()
		return HostKey{}, fmt.Errorf("encode host key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return HostKey{}, fmt.Errorf("sync host key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return HostKey{}, fmt.Errorf("close host key: %w", err)
	}
	// Link fails if another process placed a key first; theirs wins.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return loadHostKey(path)
		}
		return HostKey{}, fmt.Errorf("install host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return HostKey{}, err
	}
	return HostKey{Signer: signer, Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()), Created: true}, nil
}

func loadHostKey(path string) (HostKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return HostKey{}, err
	}
	if info.IsDir() {
		return HostKey{}, fmt.Errorf("host key %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return HostKey{}, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return HostKey{}, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return HostKey{
		Signer:      signer,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		LoosePerms:  info.Mode().Perm()&0o077 != 0,
	}, nil
}

func hostKeyComment() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "muxd"
	}
	return "muxd@" + host
}
