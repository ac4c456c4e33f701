// Package access issues single-use SSH credentials for a running sandbox.
// Each call generates a fresh Ed25519 keypair, injects the public half into
// the container, and returns the private half once; it is never persisted.
package access

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/akshayaggarwal99/boxed/internal/driver"
)

const (
	sshUsername  = "agent"
	keyComment   = "user-access"
	execTimeoutS = 30
)

// Credentials is the response handed back to the caller of generate_access.
type Credentials struct {
	PrivateKeyPEM string
	Username      string
	Host          string
	Port          int
}

// Issuer generates and injects access credentials via a container Driver.
type Issuer struct {
	drv driver.Driver
}

// NewIssuer builds an Issuer bound to drv.
func NewIssuer(drv driver.Driver) *Issuer {
	return &Issuer{drv: drv}
}

// Generate creates a fresh Ed25519 keypair, injects the public key into
// ~agent/.ssh/authorized_keys inside containerID by issuing a single root
// exec, and returns the credentials. The private key is never stored.
func (i *Issuer) Generate(ctx context.Context, containerID, host string, port int) (Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return Credentials{}, fmt.Errorf("convert to ssh public key: %w", err)
	}
	marshaled := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	authorizedLine := fmt.Sprintf("%s %s\n", marshaled, keyComment)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Credentials{}, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	shellQuoted := "'" + strings.ReplaceAll(authorizedLine, "'", `'\''`) + "'"
	script := fmt.Sprintf(
		"mkdir -p ~%s/.ssh && printf '%%s' %s >> ~%s/.ssh/authorized_keys && chown -R %s:%s ~%s/.ssh && chmod 0600 ~%s/.ssh/authorized_keys",
		sshUsername, shellQuoted, sshUsername, sshUsername, sshUsername, sshUsername, sshUsername,
	)

	execCtx, cancel := context.WithTimeout(ctx, execTimeoutS*time.Second)
	defer cancel()

	result, err := i.drv.Exec(execCtx, containerID, []string{"sh", "-c", script}, "root", false)
	if err != nil {
		return Credentials{}, fmt.Errorf("inject access key: %w", err)
	}
	if result.ExitCode != 0 {
		return Credentials{}, fmt.Errorf("inject access key: exec exited %d: %s", result.ExitCode, string(result.Stdout))
	}

	return Credentials{
		PrivateKeyPEM: string(privPEM),
		Username:      sshUsername,
		Host:          host,
		Port:          port,
	}, nil
}
