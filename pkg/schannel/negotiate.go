package schannel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option adjusts how a session runs.
type Option func(*options)

type options struct {
	log zerolog.Logger
}

func newOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger attaches a logger to the session. Sessions log phase
// transitions at debug and downgrade evidence at error.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// KeyExchange is a handle to an in-flight secure channel key negotiation.
type KeyExchange struct {
	phase atomic.Int32
	done  chan struct{}

	chain Chain
	flags NegotiateFlags
	err   error
}

// InitiateKeyExchange starts the challenge/authenticate exchange on a
// secondary connection provisioned from t. The returned handle owns the
// session until Await; canceling ctx aborts the in-flight call, releases the
// secondary connection, and frees the chain.
func InitiateKeyExchange(ctx context.Context, t Transport, factory ChainFactory, creds *Credentials, pol Policy, opts ...Option) *KeyExchange {
	o := newOptions(opts)

	kx := &KeyExchange{done: make(chan struct{})}
	s := &session{
		transport: t,
		factory:   factory,
		creds:     creds,
		flags:     deriveFlags(pol, creds.ChannelType),
		log: o.log.With().
			Str("session", uuid.NewString()).
			Str("server", t.ServerName()).
			Logger(),
		phase: kx.setPhase,
	}
	s.phase(PhaseResolvingEndpoint)

	go kx.run(ctx, s)
	return kx
}

// Await blocks until the exchange completes. On success it transfers
// ownership of the established chain to the caller along with the session's
// requested flags; on failure no chain or flags are returned.
func (kx *KeyExchange) Await() (Chain, NegotiateFlags, error) {
	<-kx.done
	if kx.err != nil {
		return nil, 0, kx.err
	}
	return kx.chain, kx.flags, nil
}

// Phase reports where the session currently is.
func (kx *KeyExchange) Phase() Phase {
	return Phase(kx.phase.Load())
}

func (kx *KeyExchange) setPhase(p Phase) {
	kx.phase.Store(int32(p))
}

func (kx *KeyExchange) run(ctx context.Context, s *session) {
	defer close(kx.done)

	chain, flags, err := s.exchange(ctx)
	if err != nil {
		kx.setPhase(PhaseFailed)
		kx.err = err
		return
	}
	kx.chain = chain
	kx.flags = flags
	kx.setPhase(PhaseDone)
}

// session is the mutable state of one key negotiation. It is owned by the
// run goroutine; nothing else touches it.
type session struct {
	transport Transport
	factory   ChainFactory
	creds     *Credentials
	log       zerolog.Logger
	phase     func(Phase)

	flags      flagSet
	serverName string

	clientNonce Nonce
	serverNonce Nonce

	secondary Conn
	chain     Chain
}

// exchange runs the whole negotiation: provision the secondary connection,
// then loop challenge/authenticate with at most one downgrade retry. On
// success ownership of the chain leaves the session.
func (s *session) exchange(ctx context.Context) (Chain, NegotiateFlags, error) {
	defer s.cleanup(ctx)

	s.phase(PhaseResolvingEndpoint)
	ep, err := s.transport.Resolve(ctx, NetlogonInterface)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve netlogon endpoint: %w", err)
	}

	s.phase(PhaseConnecting)
	s.secondary, err = s.transport.Connect(ctx, ep)
	if err != nil {
		return nil, 0, fmt.Errorf("secondary connection: %w", err)
	}

	s.phase(PhaseBindingUnauth)
	if err := s.transport.BindNoAuth(ctx, s.secondary, NetlogonInterface); err != nil {
		return nil, 0, fmt.Errorf("unauthenticated bind: %w", err)
	}

	s.serverName = `\\` + s.transport.ServerName()

	for {
		s.phase(PhaseChallenging)
		if err := s.challenge(ctx); err != nil {
			return nil, 0, err
		}

		s.phase(PhaseAuthenticating)
		retry, err := s.authenticate(ctx)
		if err != nil {
			return nil, 0, err
		}
		if !retry {
			break
		}
		s.phase(PhaseRetryChallenge)
	}

	// Ownership of the chain moves to the caller.
	chain := s.chain
	s.chain = nil
	return chain, s.flags.requested, nil
}

// challenge runs one ServerReqChallenge round with a fresh client nonce.
// Challenge failures are fatal, never retried.
func (s *session) challenge(ctx context.Context) error {
	var err error
	s.clientNonce, err = randomNonce()
	if err != nil {
		return fmt.Errorf("generate client nonce: %w", err)
	}

	serverNonce, status, err := s.secondary.Logon().Challenge(ctx, s.serverName, s.creds.ComputerName, s.clientNonce)
	if err != nil {
		return fmt.Errorf("netlogon challenge: %w", err)
	}
	if !status.IsOK() {
		return &RejectionError{Op: "challenge", Status: status}
	}
	s.serverNonce = serverNonce
	return nil
}

// authenticate runs one ServerAuthenticate round: initialize a fresh chain
// from the challenge material, submit the client response, then evaluate the
// server's flags and status. Returns true when the session should loop back
// for the single permitted downgrade retry.
func (s *session) authenticate(ctx context.Context) (bool, error) {
	secret, err := s.creds.MachineSecret()
	if err != nil {
		return false, err
	}

	// A retry replaces the previous round's chain wholesale.
	if s.chain != nil {
		s.chain.Close()
		s.chain = nil
	}

	chain, clientResponse, err := s.factory.New(ChainParams{
		AccountName:    s.creds.AccountName,
		ComputerName:   s.creds.ComputerName,
		ChannelType:    s.creds.ChannelType,
		ClientNonce:    s.clientNonce,
		ServerNonce:    s.serverNonce,
		MachineSecret:  secret,
		RequestedFlags: s.flags.requested,
		LocalFlags:     s.flags.local,
	})
	if err != nil {
		return false, fmt.Errorf("initialize credential chain: %w", err)
	}
	s.chain = chain

	remote, serverResponse, status, err := s.secondary.Logon().Authenticate(ctx,
		s.serverName, s.creds.AccountName, s.creds.ChannelType, s.creds.ComputerName,
		s.flags.requested, clientResponse)
	if err != nil {
		return false, fmt.Errorf("netlogon authenticate: %w", err)
	}
	s.flags.remote = remote

	if status != StatusOK && status != StatusAccessDenied {
		return false, &RejectionError{Op: "authenticate", Status: status}
	}

	// Flag-consistency check: the server must grant every bit policy
	// mandates. Runs on every round, including after a denial.
	if rqf := s.flags.tightenedRequired(); rqf&remote != rqf {
		s.log.Error().
			Stringer("local", s.flags.local).
			Stringer("required", s.flags.required).
			Stringer("remote", remote).
			Msg("client capabilities don't match the server capabilities")
		return false, &DowngradeError{
			Op:       "authenticate",
			Local:    s.flags.local,
			Required: s.flags.required,
			Remote:   remote,
		}
	}

	if status == StatusAccessDenied {
		return s.downgradeRetry()
	}

	// The server proved knowledge of the machine secret; a mismatch here
	// means tampering or a desynchronized chain.
	at, al := s.secondary.AuthInfo()
	if err := s.chain.Verify(serverResponse, at, al); err != nil {
		return false, &VerificationError{Op: "authenticate", Err: err}
	}

	// Final reconciliation. Without a downgrade we trim the chain's flags
	// to what the server advertised; after the one downgrade the sets must
	// already agree, because a second downgrade is never tolerated.
	if s.flags.requested == s.flags.local {
		s.chain.RestrictFlags(s.flags.remote)
	} else if s.flags.local != s.flags.remote {
		s.log.Error().
			Stringer("local", s.flags.local).
			Stringer("remote", s.flags.remote).
			Msg("server flags changed again after downgrade retry")
		return false, &DowngradeError{
			Op:       "reconcile",
			Local:    s.flags.local,
			Required: s.flags.required,
			Remote:   s.flags.remote,
		}
	}

	return false, nil
}

// downgradeRetry decides whether an access-denied response earns the single
// auto-negotiate retry. Strong keys may be unsupported (NT4) or disabled, so
// the retry resubmits with the flags the server reported, but only when the
// server actually reported a strictly weaker set.
func (s *session) downgradeRetry() (bool, error) {
	lf := s.flags.local
	rf := s.flags.remote

	if lf&rf == lf {
		// No observable weakening; a retry would change nothing.
		s.flags.autoRetry = false
	}

	if !s.flags.autoRetry {
		return false, &RejectionError{Op: "authenticate", Status: StatusAccessDenied}
	}
	// The budget is consumed regardless of what the retry yields.
	s.flags.autoRetry = false

	switch {
	case lf.Has(NegSupportsAES):
		if rf.Has(NegSupportsAES) {
			// The server speaks our tier yet denied us. Not a key
			// strength problem; retrying is pointless.
			return false, &RejectionError{Op: "authenticate", Status: StatusAccessDenied}
		}
	case lf.Has(NegStrongKeys):
		if rf.Has(NegStrongKeys) {
			return false, &RejectionError{Op: "authenticate", Status: StatusAccessDenied}
		}
	}

	s.log.Info().
		Str("local_tier", lf.KeyTier()).
		Str("remote_tier", rf.KeyTier()).
		Stringer("local", lf).
		Stringer("remote", rf).
		Msg("server doesn't support our key tier, downgrading and retrying")

	s.flags.local &= s.flags.remote
	return true, nil
}

// cleanup releases everything the session still owns. The secondary
// connection is always torn down; the chain only survives if ownership
// already moved to the caller.
func (s *session) cleanup(ctx context.Context) {
	if s.chain != nil {
		s.chain.Close()
		s.chain = nil
	}
	if s.secondary != nil {
		_ = s.secondary.Close(ctx)
		s.secondary = nil
	}
}
