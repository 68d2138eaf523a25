package schannel

import (
	"context"
	"errors"
	"fmt"
)

// Nonce is an 8-byte netlogon credential value: a challenge seed or a
// computed challenge response.
type Nonce [8]byte

// Authenticator is the per-call proof derived from the session chain.
type Authenticator struct {
	Credential Nonce
	Timestamp  uint32
}

// AuthType selects the DCERPC authentication provider for a bind.
type AuthType uint8

const (
	AuthTypeNone     AuthType = 0
	AuthTypeSchannel AuthType = 68
)

// AuthLevel selects the DCERPC protection level for a bind.
type AuthLevel uint8

const (
	AuthLevelNone      AuthLevel = 1
	AuthLevelConnect   AuthLevel = 2
	AuthLevelCall      AuthLevel = 3
	AuthLevelPacket    AuthLevel = 4
	AuthLevelIntegrity AuthLevel = 5
	AuthLevelPrivacy   AuthLevel = 6
)

func (l AuthLevel) String() string {
	switch l {
	case AuthLevelNone:
		return "none"
	case AuthLevelConnect:
		return "connect"
	case AuthLevelCall:
		return "call"
	case AuthLevelPacket:
		return "packet"
	case AuthLevelIntegrity:
		return "integrity"
	case AuthLevelPrivacy:
		return "privacy"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ChannelType identifies the kind of machine account establishing the
// channel.
type ChannelType uint16

const (
	ChannelWorkstation ChannelType = 2
	ChannelDNSDomain   ChannelType = 3
	ChannelDomain      ChannelType = 4
	ChannelBDC         ChannelType = 6
	ChannelRODC        ChannelType = 7
)

// InterfaceID identifies an RPC interface by syntax UUID and version.
type InterfaceID struct {
	UUID         string
	VersionMajor uint16
	VersionMinor uint16
}

// NetlogonInterface is the netlogon RPC interface. Binding it triggers the
// two-phase capability cross-check after the authenticated bind.
var NetlogonInterface = InterfaceID{
	UUID:         "12345678-1234-abcd-ef00-01234567cffb",
	VersionMajor: 1,
}

// Equal reports whether two interface identities match.
func (id InterfaceID) Equal(other InterfaceID) bool {
	return id == other
}

// Endpoint is a resolved, dialable address for an RPC interface.
type Endpoint string

// Conn is one bound RPC connection.
type Conn interface {
	// Logon returns the netlogon stub for calls issued on this connection.
	Logon() LogonRPC

	// AuthInfo reports the auth type and level the connection was bound
	// with. Chain verification is keyed on these.
	AuthInfo() (AuthType, AuthLevel)

	Close(ctx context.Context) error
}

// Transport provisions connections and performs raw bind mechanics. The
// session drives it but never looks inside; wire encoding is its problem.
type Transport interface {
	// Resolve maps the interface to a concrete endpoint.
	Resolve(ctx context.Context, iface InterfaceID) (Endpoint, error)

	// Connect opens a secondary connection to a resolved endpoint.
	Connect(ctx context.Context, ep Endpoint) (Conn, error)

	// BindNoAuth performs an unauthenticated bind of iface on c.
	BindNoAuth(ctx context.Context, c Conn, iface InterfaceID) error

	// BindAuth performs an authenticated bind of iface on the primary
	// channel, keyed by the established chain, and returns the bound
	// connection.
	BindAuth(ctx context.Context, iface InterfaceID, chain Chain, level AuthLevel) (Conn, error)

	// ServerName is the plain name of the target server.
	ServerName() string
}

// CapabilityReply is the result of one LogonGetCapabilities round.
// Capabilities carries the server's capability set at query level 1 and the
// echoed requested flags at query level 2.
type CapabilityReply struct {
	Status              Status
	Capabilities        NegotiateFlags
	ReturnAuthenticator Authenticator
}

// ControlCode selects the LogonControl function to execute.
type ControlCode uint32

// ControlQueryInfo is the benign status query used as the fallback
// capability probe.
const ControlQueryInfo ControlCode = 1

// LogonRPC is the netlogon call surface the secure channel logic consumes.
// Application-level results come back as Status; transport failures and
// call faults come back as error (faults as *StatusError).
type LogonRPC interface {
	Challenge(ctx context.Context, serverName, computerName string, clientNonce Nonce) (serverNonce Nonce, status Status, err error)

	Authenticate(ctx context.Context, serverName, accountName string, channel ChannelType, computerName string,
		requested NegotiateFlags, clientResponse Nonce) (remote NegotiateFlags, serverResponse Nonce, status Status, err error)

	GetCapabilities(ctx context.Context, serverName, computerName string, auth *Authenticator, queryLevel uint32) (*CapabilityReply, error)

	ControlQuery(ctx context.Context, serverName string, code ControlCode, level uint32) (WErr, error)
}

// ChainParams is the material a credential chain is initialized from.
type ChainParams struct {
	AccountName    string
	ComputerName   string
	ChannelType    ChannelType
	ClientNonce    Nonce
	ServerNonce    Nonce
	MachineSecret  []byte
	RequestedFlags NegotiateFlags
	LocalFlags     NegotiateFlags
}

// ChainFactory initializes a credential chain from the challenge material.
// The returned nonce is the client's computed challenge response, sent in
// the authenticate call.
type ChainFactory interface {
	New(p ChainParams) (Chain, Nonce, error)
}

// Chain is the rolling credential state of an established (or in-progress)
// secure channel. The cipher and HMAC scheme inside it is an opaque trusted
// collaborator; this package only sequences it.
//
// The chain's sequence state must advance only after a verified exchange:
// callers take a Snapshot, produce the Authenticator and Verify the reply on
// the snapshot, and Restore it into the chain once the round is proven.
//
// A chain has exactly one owner at every instant. The session owns it until
// success hands it to the caller; every failure path closes it.
type Chain interface {
	// NegotiatedFlags is the capability set the chain was keyed with.
	NegotiatedFlags() NegotiateFlags

	// RestrictFlags intersects the negotiated flags with the peer's
	// advertised set, stripping bits a passive observer could not have
	// legitimately seen.
	RestrictFlags(remote NegotiateFlags)

	// Authenticator computes the next per-call authenticator, advancing
	// this chain's sequence state.
	Authenticator() (Authenticator, error)

	// Verify checks a credential returned by the server against this
	// chain's state under the given bind protection.
	Verify(cred Nonce, at AuthType, al AuthLevel) error

	// Snapshot returns an independent copy for speculative use.
	Snapshot() Chain

	// Restore adopts a snapshot's state, committing the rounds it ran.
	Restore(snap Chain)

	// Close releases the chain's key material. The owner calls it on every
	// path that does not transfer ownership.
	Close()
}

// errNoMachineSecret is returned when credentials carry neither a machine
// secret nor a password to derive one from.
var errNoMachineSecret = errors.New("no machine secret available")

// Credentials identifies the machine account the channel authenticates.
type Credentials struct {
	// AccountName is the machine account, e.g. "WS01$".
	AccountName string

	// ComputerName is the unqualified computer name, e.g. "WS01".
	ComputerName string

	ChannelType ChannelType

	// Password is the machine account password. Ignored when Secret is set.
	Password string

	// Secret is the raw 16-byte machine secret (NT one-way function of the
	// password).
	Secret []byte
}

// MachineSecret returns the shared machine secret, deriving it from the
// password when no raw secret was supplied.
func (c *Credentials) MachineSecret() ([]byte, error) {
	if len(c.Secret) == secretSize {
		return c.Secret, nil
	}
	if c.Password != "" {
		return ntOWF(c.Password), nil
	}
	return nil, errNoMachineSecret
}
