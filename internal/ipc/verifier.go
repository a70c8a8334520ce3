package ipc

import (
	"context"
	"fmt"
	"net"
	"strings"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
)

// PeerIdentity describes the kernel-attested identity of a connecting
// process.
type PeerIdentity struct {
	PID  int
	UID  uint32
	Path string
}

// Verifier gates socket connections by the connecting process's code
// signing identifier. Root peers are always allowed (they could bypass
// any check anyway). With no allow-list configured the gate fails
// closed: the socket is world-writable, so non-root peers are rejected
// unless the config explicitly opens it up.
type Verifier struct {
	allowed         []string
	requireCodesign bool
	allowAny        bool
	run             execx.Runner

	// identify is swappable for tests.
	identify func(net.Conn) (PeerIdentity, error)
}

// NewVerifier creates a verifier from the clients section of the daemon
// config.
func NewVerifier(cfg core.ClientsConfig, run execx.Runner) *Verifier {
	return &Verifier{
		allowed:         cfg.AllowedIdentifiers,
		requireCodesign: cfg.RequireCodesign,
		allowAny:        cfg.AllowAnyPeer,
		run:             run,
		identify:        peerIdentity,
	}
}

// Check implements PeerChecker.
func (v *Verifier) Check(conn net.Conn) error {
	if v.allowAny {
		return nil
	}

	id, err := v.identify(conn)
	if err != nil {
		return fmt.Errorf("identify peer: %w", err)
	}
	if id.UID == 0 {
		core.Log.Debugf("IPC", "root peer pid=%d (%s) admitted", id.PID, id.Path)
		return nil
	}
	if len(v.allowed) == 0 && !v.requireCodesign {
		return fmt.Errorf("peer pid=%d uid=%d rejected: no allow-list configured", id.PID, id.UID)
	}

	signingID, err := v.signingIdentifier(id.Path)
	if err != nil {
		return fmt.Errorf("peer pid=%d (%s): %w", id.PID, id.Path, err)
	}
	if len(v.allowed) == 0 {
		// requireCodesign alone: any validly signed peer is admitted.
		return nil
	}
	for _, want := range v.allowed {
		if signingID == want {
			core.Log.Debugf("IPC", "peer pid=%d uid=%d identifier=%s admitted", id.PID, id.UID, signingID)
			return nil
		}
	}
	return fmt.Errorf("peer pid=%d identifier %q not in allow-list", id.PID, signingID)
}

// signingIdentifier extracts the code signing identifier of a binary.
func (v *Verifier) signingIdentifier(path string) (string, error) {
	out, err := v.run.Run(context.Background(), "codesign", "-d", "--verbose=2", path)
	if err != nil {
		return "", fmt.Errorf("codesign: %w", err)
	}
	id := parseSigningIdentifier(out)
	if id == "" {
		return "", fmt.Errorf("no signing identifier in codesign output")
	}
	return id, nil
}

// parseSigningIdentifier pulls the Identifier= line out of codesign -d
// output.
func parseSigningIdentifier(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Identifier="); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
