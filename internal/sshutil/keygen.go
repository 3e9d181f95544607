// Package sshutil generates the key material injected into remote
// instances for command execution and operator access.
package sshutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated SSH key pair: the public half in authorized_keys
// format, the private half PEM-encoded.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyPair creates an Ed25519 key pair. The comment is appended to
// the public key line so a fleet key is recognizable in VM metadata.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	pubKeyStr := string(ssh.MarshalAuthorizedKey(sshPubKey))
	if comment != "" {
		// MarshalAuthorizedKey ends with a newline; the comment goes before it.
		pubKeyStr = pubKeyStr[:len(pubKeyStr)-1] + " " + comment + "\n"
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &KeyPair{
		PublicKey:  pubKeyStr,
		PrivateKey: string(pem.EncodeToMemory(privKeyPEM)),
	}, nil
}

// FormatSSHCommand returns the ssh invocation for reaching an instance
// with a saved key file.
func FormatSSHCommand(user, host, privateKeyPath string) string {
	return fmt.Sprintf("ssh -i %s %s@%s", privateKeyPath, user, host)
}
