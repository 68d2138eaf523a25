// Package schannel implements the client side of the netlogon secure
// channel: key negotiation against a domain controller, the authenticated
// bind keyed by the negotiated chain, and the downgrade-detection checks
// that keep an attacker from forcing weaker-than-policy crypto.
//
// EDUCATIONAL: Secure Channel Establishment
//
// A member machine authenticates to its domain controller with a shared
// machine secret. The exchange is:
//
//  1. ServerReqChallenge  - swap 8-byte nonces over an unauthenticated bind
//  2. ServerAuthenticate  - prove knowledge of the machine secret and
//     negotiate a capability flag set (AES vs strong keys vs DES-era)
//  3. Authenticated bind  - rebind the interface under schannel auth
//  4. LogonGetCapabilities level 1 and 2 - cross-check that the flags the
//     server granted and the flags the client requested both survived the
//     wire unmodified
//  5. LogonControl probe  - when step 4 fails ambiguously, a benign status
//     query distinguishes a genuinely old server from a forged error
//
// Downgrade defense is the point of steps 4 and 5: a machine-in-the-middle
// who strips the AES bit during negotiation is caught either by the flag
// comparison or by the authenticator sequence desynchronizing.
//
// The package is transport-agnostic: RPC plumbing, and the credential
// chain's cipher scheme, enter through the Transport, LogonRPC and
// ChainFactory interfaces. Production wiring lives in pkg/transport.
package schannel
