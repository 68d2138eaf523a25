// Package transport is the production wiring for the secure channel logic:
// it implements schannel.Transport and schannel.LogonRPC on top of the
// go-msrpc DCERPC stack, with endpoint resolution through the endpoint
// mapper on port 135.
//
// The package is deliberately thin. Everything protocol-shaped (flag
// negotiation, downgrade detection, chain sequencing) lives in pkg/schannel;
// this package only moves requests on and off the wire.
package transport
