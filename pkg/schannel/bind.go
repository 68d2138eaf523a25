package schannel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SecureBind is a handle to an in-flight authenticated bind.
type SecureBind struct {
	phase atomic.Int32
	done  chan struct{}

	res *BindResult
	err error
}

// BindResult is the outcome of a successful authenticated bind. It makes
// the chain ownership transfer explicit: once Await returns it, the caller
// is the chain's sole owner.
type BindResult struct {
	// Conn is the authenticated connection.
	Conn Conn

	// Chain is the established credential chain.
	Chain Chain

	// RequestedFlags is the flag set the session requested; the chain's
	// NegotiatedFlags carry what actually survived negotiation.
	RequestedFlags NegotiateFlags
}

// InitiateSecureBind establishes the secure channel key and performs an
// authenticated bind of iface at the given protection level. When iface is
// the netlogon interface the bind is followed by the two-phase capability
// cross-check, with the fallback control probe on ambiguous failures.
func InitiateSecureBind(ctx context.Context, t Transport, factory ChainFactory, iface InterfaceID,
	creds *Credentials, pol Policy, level AuthLevel, opts ...Option) *SecureBind {

	o := newOptions(opts)
	sb := &SecureBind{done: make(chan struct{})}
	sb.phase.Store(int32(PhaseResolvingEndpoint))

	go sb.run(ctx, t, factory, iface, creds, pol, level, o.log, opts)
	return sb
}

// Await blocks until the bind completes.
func (sb *SecureBind) Await() (*BindResult, error) {
	<-sb.done
	if sb.err != nil {
		return nil, sb.err
	}
	return sb.res, nil
}

// Phase reports where the bind currently is.
func (sb *SecureBind) Phase() Phase {
	return Phase(sb.phase.Load())
}

func (sb *SecureBind) setPhase(p Phase) {
	sb.phase.Store(int32(p))
}

func (sb *SecureBind) run(ctx context.Context, t Transport, factory ChainFactory, iface InterfaceID,
	creds *Credentials, pol Policy, level AuthLevel, log zerolog.Logger, opts []Option) {

	defer close(sb.done)

	res, err := sb.bind(ctx, t, factory, iface, creds, pol, level, log, opts)
	if err != nil {
		sb.setPhase(PhaseFailed)
		sb.err = err
		return
	}
	sb.res = res
	sb.setPhase(PhaseDone)
}

func (sb *SecureBind) bind(ctx context.Context, t Transport, factory ChainFactory, iface InterfaceID,
	creds *Credentials, pol Policy, level AuthLevel, log zerolog.Logger, opts []Option) (*BindResult, error) {

	kx := InitiateKeyExchange(ctx, t, factory, creds, pol, opts...)

	// Mirror the negotiation's progress while it owns the session.
	chain, requested, err := kx.Await()
	sb.phase.Store(kx.phase.Load())
	if err != nil {
		return nil, fmt.Errorf("establish secure channel key: %w", err)
	}

	sb.setPhase(PhaseBindingAuth)
	conn, err := t.BindAuth(ctx, iface, chain, level)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("authenticated bind: %w", err)
	}

	if iface.Equal(NetlogonInterface) {
		cc := &capCheck{
			conn:       conn,
			chain:      chain,
			requested:  requested,
			serverName: `\\` + t.ServerName(),
			computer:   creds.ComputerName,
			log:        log,
			phase:      sb.setPhase,
		}
		if err := cc.run(ctx); err != nil {
			chain.Close()
			_ = conn.Close(ctx)
			return nil, err
		}
	}

	return &BindResult{Conn: conn, Chain: chain, RequestedFlags: requested}, nil
}

// capCheck verifies, over the freshly authenticated bind, that the
// negotiated capabilities were not forged down: level 1 asks the server what
// it granted, level 2 asks it to echo what the client requested.
type capCheck struct {
	conn       Conn
	chain      Chain
	requested  NegotiateFlags
	serverName string
	computer   string
	log        zerolog.Logger
	phase      func(Phase)
}

func (cc *capCheck) run(ctx context.Context) error {
	proceed, err := cc.queryNegotiated(ctx)
	if err != nil || !proceed {
		return err
	}
	return cc.queryEcho(ctx)
}

// queryNegotiated is the level-1 query. A false return with nil error means
// the check concluded early (legacy server confirmed honest).
func (cc *capCheck) queryNegotiated(ctx context.Context) (bool, error) {
	cc.phase(PhaseQueryCaps1)
	at, al := cc.conn.AuthInfo()

	staged := cc.chain.Snapshot()
	auth, err := staged.Authenticator()
	if err != nil {
		return false, err
	}

	reply, err := cc.conn.Logon().GetCapabilities(ctx, cc.serverName, cc.computer, &auth, 1)
	if err != nil {
		if status, ok := FaultStatus(err); ok && status == StatusRPCProcnumOutOfRange {
			// A server granting AES or strong keys must implement this
			// call; claiming otherwise is a forgery.
			if cc.chain.NegotiatedFlags().HasAny(NegSupportsAES | NegStrongKeys) {
				cc.logDowngrade("capabilities level 1", "server disclaims a mandatory call")
				return false, &DowngradeError{
					Op:     "capabilities level 1",
					Reason: "server disclaims LogonGetCapabilities while granting modern crypto",
				}
			}
			// Probably a genuinely pre-AD server.
			return false, cc.probe(ctx)
		}
		return false, fmt.Errorf("query negotiated capabilities: %w", err)
	}

	if reply.Status == StatusNotImplemented {
		if cc.chain.NegotiatedFlags().Has(NegSupportsAES) {
			cc.logDowngrade("capabilities level 1", "AES granted but capabilities unimplemented")
			return false, &DowngradeError{
				Op:     "capabilities level 1",
				Reason: "AES granted but capabilities query unimplemented",
			}
		}
		// An old but honest server; nothing left to verify.
		return false, nil
	}

	if err := staged.Verify(reply.ReturnAuthenticator.Credential, at, al); err != nil {
		return false, &VerificationError{Op: "capabilities level 1", Err: err}
	}
	cc.chain.Restore(staged)

	if !reply.Status.IsOK() {
		return false, &RejectionError{Op: "capabilities level 1", Status: reply.Status}
	}

	if got := cc.chain.NegotiatedFlags(); got != reply.Capabilities {
		cc.log.Error().
			Stringer("local", got).
			Stringer("remote", reply.Capabilities).
			Msg("negotiated capabilities don't match the server's report")
		return false, &DowngradeError{
			Op:     "capabilities level 1",
			Local:  got,
			Remote: reply.Capabilities,
		}
	}

	if cc.requested.Has(NegSupportsAES) && !cc.chain.NegotiatedFlags().Has(NegSupportsAES) {
		cc.logDowngrade("capabilities level 1", "AES requested but absent from negotiated flags")
		return false, &DowngradeError{
			Op:     "capabilities level 1",
			Reason: "AES requested but absent from negotiated flags",
		}
	}

	return true, nil
}

// queryEcho is the level-2 query: the server echoes the requested flags it
// saw, proving the authenticate request was not rewritten in flight.
func (cc *capCheck) queryEcho(ctx context.Context) error {
	cc.phase(PhaseQueryCaps2)
	at, al := cc.conn.AuthInfo()

	staged := cc.chain.Snapshot()
	auth, err := staged.Authenticator()
	if err != nil {
		return err
	}

	reply, err := cc.conn.Logon().GetCapabilities(ctx, cc.serverName, cc.computer, &auth, 2)
	if err != nil {
		status, ok := FaultStatus(err)
		if ok && status == StatusRPCBadStubData {
			// Servers predating the level-2 query reject it with bad stub
			// data instead of the range error.
			status = StatusRPCEnumValueOutOfRange
		}
		if ok && status == StatusRPCEnumValueOutOfRange {
			// Level 1 already passed, so the server does implement the
			// call. A range error here may be forged to break the
			// authenticator sequence; the control probe settles it.
			return cc.probe(ctx)
		}
		return fmt.Errorf("query echoed capabilities: %w", err)
	}

	if err := staged.Verify(reply.ReturnAuthenticator.Credential, at, al); err != nil {
		return &VerificationError{Op: "capabilities level 2", Err: err}
	}

	if !reply.Status.IsOK() {
		return &RejectionError{Op: "capabilities level 2", Status: reply.Status}
	}

	if cc.requested != reply.Capabilities {
		cc.log.Error().
			Stringer("local", cc.requested).
			Stringer("remote", reply.Capabilities).
			Msg("client requested capabilities did not reach the server")
		return &DowngradeError{
			Op:     "capabilities level 2",
			Local:  cc.requested,
			Remote: reply.Capabilities,
		}
	}

	cc.chain.Restore(staged)
	return nil
}

// probe is the fallback integrity check: a benign status query that any real
// server answers with WERR_NOT_SUPPORTED at this level. Anything else means
// the ambiguous error that led here was forged.
func (cc *capCheck) probe(ctx context.Context) error {
	cc.phase(PhaseProbeControl)

	werr, err := cc.conn.Logon().ControlQuery(ctx, cc.serverName, ControlQueryInfo, 2)
	if err != nil {
		cc.logDowngrade("control probe", "probe call failed")
		return &DowngradeError{Op: "control probe", Reason: "probe call failed"}
	}
	if werr != WErrNotSupported {
		cc.logDowngrade("control probe", "unexpected probe result "+werr.String())
		return &DowngradeError{Op: "control probe", Reason: "unexpected probe result " + werr.String()}
	}
	return nil
}

func (cc *capCheck) logDowngrade(op, reason string) {
	cc.log.Error().Str("op", op).Msg("downgrade detected: " + reason)
}
