package schannel

import (
	"context"
	"fmt"
)

// ScanReport describes what a domain controller advertised during a
// credential-less challenge/authenticate round.
type ScanReport struct {
	ServerName string

	// Requested is what the scan advertised, Required what the policy
	// mandates, Remote what the server reported back.
	Requested NegotiateFlags
	Required  NegotiateFlags
	Remote    NegotiateFlags

	// MissingRequired are policy-mandated bits the server did not grant.
	MissingRequired NegotiateFlags

	// Status is the authenticate result. Access denied is the expected
	// outcome: the scan sends a zeroed challenge response on purpose.
	Status Status
}

// Satisfied reports whether the server grants everything policy mandates.
func (r *ScanReport) Satisfied() bool {
	return r.MissingRequired == 0
}

// ScanCapabilities runs a single challenge/authenticate round with a zeroed
// client response and reports the server's advertised negotiate flags
// against the given policy. No secure channel is established and no machine
// secret is needed: servers report their capability set even while denying
// the exchange, which is the same observation the downgrade retry relies on.
func ScanCapabilities(ctx context.Context, t Transport, creds *Credentials, pol Policy) (*ScanReport, error) {
	fs := deriveFlags(pol, creds.ChannelType)

	ep, err := t.Resolve(ctx, NetlogonInterface)
	if err != nil {
		return nil, fmt.Errorf("resolve netlogon endpoint: %w", err)
	}
	conn, err := t.Connect(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("secondary connection: %w", err)
	}
	defer conn.Close(ctx)

	if err := t.BindNoAuth(ctx, conn, NetlogonInterface); err != nil {
		return nil, fmt.Errorf("unauthenticated bind: %w", err)
	}

	serverName := `\\` + t.ServerName()

	clientNonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generate client nonce: %w", err)
	}
	_, status, err := conn.Logon().Challenge(ctx, serverName, creds.ComputerName, clientNonce)
	if err != nil {
		return nil, fmt.Errorf("netlogon challenge: %w", err)
	}
	if !status.IsOK() {
		return nil, &RejectionError{Op: "challenge", Status: status}
	}

	remote, _, status, err := conn.Logon().Authenticate(ctx,
		serverName, creds.AccountName, creds.ChannelType, creds.ComputerName,
		fs.requested, Nonce{})
	if err != nil {
		return nil, fmt.Errorf("netlogon authenticate: %w", err)
	}

	fs.remote = remote
	rqf := fs.tightenedRequired()

	return &ScanReport{
		ServerName:      t.ServerName(),
		Requested:       fs.requested,
		Required:        fs.required,
		Remote:          remote,
		MissingRequired: rqf &^ remote,
		Status:          status,
	}, nil
}
