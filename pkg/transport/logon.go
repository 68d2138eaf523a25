package transport

import (
	"context"
	"errors"
	"fmt"

	dcerr "github.com/oiweiwei/go-msrpc/dcerpc/errors"
	"github.com/oiweiwei/go-msrpc/msrpc/nrpc/logon/v1"

	"github.com/goschannel/goschannel/pkg/schannel"
)

// logonStub adapts the generated netlogon client to the call surface
// pkg/schannel consumes: application-level NTSTATUS comes back as a value,
// transport failures and call faults as errors.
type logonStub struct {
	cli logon.LogonClient
}

func (s *logonStub) Challenge(ctx context.Context, serverName, computerName string, clientNonce schannel.Nonce) (schannel.Nonce, schannel.Status, error) {
	resp, err := s.cli.RequestChallenge(ctx, &logon.RequestChallengeRequest{
		PrimaryName:     serverName,
		ComputerName:    computerName,
		ClientChallenge: &logon.Credential{Data: clientNonce[:]},
	})
	if err != nil {
		return schannel.Nonce{}, 0, mapFault("NetrServerReqChallenge", err)
	}

	var serverNonce schannel.Nonce
	if resp.ServerChallenge != nil {
		copy(serverNonce[:], resp.ServerChallenge.Data)
	}
	return serverNonce, schannel.Status(uint32(resp.Return)), nil
}

func (s *logonStub) Authenticate(ctx context.Context, serverName, accountName string, channel schannel.ChannelType, computerName string,
	requested schannel.NegotiateFlags, clientResponse schannel.Nonce) (schannel.NegotiateFlags, schannel.Nonce, schannel.Status, error) {

	resp, err := s.cli.Authenticate2(ctx, &logon.Authenticate2Request{
		PrimaryName:       serverName,
		AccountName:       accountName,
		SecureChannelType: logon.SecureChannelType(channel),
		ComputerName:      computerName,
		ClientCredential:  &logon.Credential{Data: clientResponse[:]},
		NegotiateFlags:    uint32(requested),
	})
	if err != nil {
		return 0, schannel.Nonce{}, 0, mapFault("NetrServerAuthenticate2", err)
	}

	var serverResponse schannel.Nonce
	if resp.ServerCredential != nil {
		copy(serverResponse[:], resp.ServerCredential.Data)
	}
	return schannel.NegotiateFlags(resp.NegotiateFlags), serverResponse,
		schannel.Status(uint32(resp.Return)), nil
}

func (s *logonStub) GetCapabilities(ctx context.Context, serverName, computerName string, auth *schannel.Authenticator, queryLevel uint32) (*schannel.CapabilityReply, error) {
	resp, err := s.cli.GetCapabilities(ctx, &logon.GetCapabilitiesRequest{
		ServerName:   serverName,
		ComputerName: computerName,
		Authenticator: &logon.Authenticator{
			Credential: &logon.Credential{Data: auth.Credential[:]},
			Timestamp:  auth.Timestamp,
		},
		ReturnAuthenticator: &logon.Authenticator{Credential: &logon.Credential{}},
		QueryLevel:          queryLevel,
	})
	if err != nil {
		return nil, mapFault("NetrLogonGetCapabilities", err)
	}

	out := &schannel.CapabilityReply{Status: schannel.Status(uint32(resp.Return))}
	if ra := resp.ReturnAuthenticator; ra != nil {
		out.ReturnAuthenticator.Timestamp = ra.Timestamp
		if ra.Credential != nil {
			copy(out.ReturnAuthenticator.Credential[:], ra.Credential.Data)
		}
	}
	// The union carries a single flag-word arm for both query levels: the
	// server's capability set at level 1, the echoed request flags at 2.
	if resp.ServerCapabilities != nil {
		if v, ok := resp.ServerCapabilities.Value.(*logon.Capabilities_Server); ok {
			out.Capabilities = schannel.NegotiateFlags(v.ServerCapabilities)
		}
	}
	return out, nil
}

func (s *logonStub) ControlQuery(ctx context.Context, serverName string, code schannel.ControlCode, level uint32) (schannel.WErr, error) {
	resp, err := s.cli.Control(ctx, &logon.ControlRequest{
		ServerName:   serverName,
		FunctionCode: uint32(code),
		QueryLevel:   level,
	})
	if err != nil {
		return 0, mapFault("NetrLogonControl", err)
	}
	return schannel.WErr(uint32(resp.Return)), nil
}

// OSF peers fault with the nca_s_* codes; Windows peers put the RPC_NT_*
// value itself on the wire. Both forms of each fault the cross-check
// branches on are canonicalized to the same NT status.
var faultStatuses = []struct {
	fault  error
	status schannel.Status
}{
	{dcerr.FaultFromCode(0x1C010002), schannel.StatusRPCProcnumOutOfRange}, // nca_s_op_rng_error
	{dcerr.FaultFromCode(0x1C000006), schannel.StatusRPCEnumValueOutOfRange}, // nca_s_fault_invalid_tag
	{dcerr.FaultFromCode(uint32(schannel.StatusRPCProcnumOutOfRange)), schannel.StatusRPCProcnumOutOfRange},
	{dcerr.FaultFromCode(uint32(schannel.StatusRPCEnumValueOutOfRange)), schannel.StatusRPCEnumValueOutOfRange},
	{dcerr.FaultFromCode(uint32(schannel.StatusRPCBadStubData)), schannel.StatusRPCBadStubData},
}

// mapFault turns a faulted call into a *schannel.StatusError when the fault
// is one the cross-check logic branches on; anything else stays a plain
// transport failure.
func mapFault(op string, err error) error {
	for _, m := range faultStatuses {
		if errors.Is(err, m.fault) {
			return &schannel.StatusError{Status: m.status, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
