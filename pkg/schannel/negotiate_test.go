package schannel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// aesGrant is a server flag set granting everything an AES policy mandates.
func aesGrant() NegotiateFlags {
	fs := deriveFlags(Policy{RequireAES: true}, ChannelWorkstation)
	return fs.local
}

func TestKeyExchange_AESSuccess(t *testing.T) {
	// Scenario: policy requires AES, server grants the full local set.
	local := aesGrant()
	logon := &fakeLogon{
		serverNonce: Nonce{9, 9, 9, 9, 9, 9, 9, 9},
		auths:       []authReply{{remote: local, status: StatusOK}},
	}
	tr := newFakeTransport(logon)
	factory := &fakeFactory{}

	kx := InitiateKeyExchange(context.Background(), tr, factory, testCreds(), Policy{RequireAES: true})
	chain, flags, err := kx.Await()

	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, PhaseDone, kx.Phase())
	assert.Equal(t, local, flags)
	assert.True(t, flags.Has(NegSupportsAES))

	fc := factory.last()
	assert.Same(t, fc, chain)
	assert.False(t, fc.closed, "chain ownership moved to the caller")
	assert.Equal(t, 1, tr.secondary.closed, "secondary connection torn down")

	// No downgrade happened, so the chain's flags were trimmed to the
	// server's advertisement (here: unchanged).
	assert.Equal(t, local, fc.NegotiatedFlags())

	// The chain was keyed from the round's material.
	assert.Equal(t, logon.serverNonce, fc.params.ServerNonce)
	assert.Equal(t, local, fc.params.RequestedFlags)
	assert.Equal(t, local, fc.params.LocalFlags)
}

func TestKeyExchange_RestrictsToRemoteAdvertisement(t *testing.T) {
	// The server may grant required bits while omitting optional ones; the
	// chain keeps only what a passive observer could have seen.
	local := aesGrant()
	remote := local
	remote.Unset(NegConcurrentRPC | NegGetDomainInfo)

	logon := &fakeLogon{auths: []authReply{{remote: remote, status: StatusOK}}}
	factory := &fakeFactory{}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), factory, testCreds(), Policy{RequireAES: true})
	chain, _, err := kx.Await()

	require.NoError(t, err)
	assert.Equal(t, remote, chain.NegotiatedFlags())
}

func TestKeyExchange_RequiredBitMissing(t *testing.T) {
	// The server withholds AES while policy mandates it.
	remote := aesGrant()
	remote.Unset(NegSupportsAES)

	logon := &fakeLogon{auths: []authReply{{remote: remote, status: StatusOK}}}
	factory := &fakeFactory{}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), factory, testCreds(), Policy{RequireAES: true})
	chain, _, err := kx.Await()

	require.Error(t, err)
	assert.Nil(t, chain)
	assert.ErrorIs(t, err, ErrDowngradeDetected)
	assert.Equal(t, PhaseFailed, kx.Phase())

	var de *DowngradeError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Required.Has(NegSupportsAES|NegPasswordSet2))
	assert.Equal(t, remote, de.Remote)
	assert.True(t, factory.last().closed, "chain freed on the failure path")
}

func TestKeyExchange_TighteningOnlyAffectsComparison(t *testing.T) {
	// Policy requires strong keys (RC4-era bits). When both sides speak
	// AES, the RC4-era required bits are waived for the comparison, so a
	// server omitting NegArcfour still passes.
	pol := Policy{AutoNegotiate: true, RequireStrongKey: true}
	fs := deriveFlags(pol, ChannelWorkstation)
	require.True(t, fs.required.Has(NegArcfour|NegStrongKeys))
	require.False(t, fs.required.Has(NegSupportsAES))

	remote := fs.local
	remote.Unset(NegArcfour)

	logon := &fakeLogon{auths: []authReply{{remote: remote, status: StatusOK}}}
	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err := kx.Await()
	require.NoError(t, err)

	// Same server behavior without AES on either side: the waiver does not
	// apply and the missing bit is a downgrade.
	remote.Unset(NegSupportsAES)
	logon = &fakeLogon{auths: []authReply{{remote: remote, status: StatusOK}}}
	kx = InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err = kx.Await()
	assert.ErrorIs(t, err, ErrDowngradeDetected)
}

func TestKeyExchange_DowngradeRetry(t *testing.T) {
	// Scenario: auto-negotiate against a server without AES. The first
	// authenticate is denied with a strictly weaker advertisement; the one
	// permitted retry intersects the local set and succeeds.
	pol := Policy{AutoNegotiate: true}
	fs := deriveFlags(pol, ChannelWorkstation)
	weaker := fs.local
	weaker.Unset(NegSupportsAES)

	logon := &fakeLogon{
		auths: []authReply{
			{remote: weaker, status: StatusAccessDenied},
			{remote: weaker, status: StatusOK},
		},
	}
	factory := &fakeFactory{}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), factory, testCreds(), pol)
	chain, flags, err := kx.Await()

	require.NoError(t, err)
	assert.Equal(t, 2, logon.challenges, "retry reruns the challenge")
	require.Len(t, factory.created, 2, "retry rekeys a fresh chain")
	assert.True(t, factory.created[0].closed, "first round's chain released")
	assert.Same(t, factory.created[1], chain)

	// The wire keeps carrying the frozen requested flags.
	assert.Equal(t, []NegotiateFlags{fs.requested, fs.requested}, logon.authFlags)
	assert.Equal(t, fs.requested, flags)

	// The chain was keyed with the intersected local set: strong keys, no
	// AES.
	assert.Equal(t, weaker, chain.NegotiatedFlags())
	assert.False(t, chain.NegotiatedFlags().Has(NegSupportsAES))
	assert.True(t, chain.NegotiatedFlags().Has(NegStrongKeys))
}

func TestKeyExchange_SecondDenialIsFatal(t *testing.T) {
	pol := Policy{AutoNegotiate: true}
	fs := deriveFlags(pol, ChannelWorkstation)
	weaker := fs.local
	weaker.Unset(NegSupportsAES)
	evenWeaker := weaker
	evenWeaker.Unset(NegStrongKeys)

	logon := &fakeLogon{
		auths: []authReply{
			{remote: weaker, status: StatusAccessDenied},
			{remote: evenWeaker, status: StatusAccessDenied},
		},
	}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err := kx.Await()

	var re *RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StatusAccessDenied, re.Status)
	assert.Equal(t, 2, logon.challenges, "no second retry")
}

func TestKeyExchange_SecondDowngradeDetected(t *testing.T) {
	// After the retry the server reports yet another flag set. One
	// downgrade was tolerated; a second is not.
	pol := Policy{AutoNegotiate: true}
	fs := deriveFlags(pol, ChannelWorkstation)
	weaker := fs.local
	weaker.Unset(NegSupportsAES)
	shifted := weaker
	shifted.Unset(NegGetDomainInfo)

	logon := &fakeLogon{
		auths: []authReply{
			{remote: weaker, status: StatusAccessDenied},
			{remote: shifted, status: StatusOK},
		},
	}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err := kx.Await()

	assert.ErrorIs(t, err, ErrDowngradeDetected)
	assert.Equal(t, 2, logon.challenges)
}

func TestKeyExchange_NoRetryWithoutWeakening(t *testing.T) {
	// A denial with no observable weakening burns nothing and fails
	// immediately, even with the retry budget available.
	pol := Policy{AutoNegotiate: true}
	fs := deriveFlags(pol, ChannelWorkstation)

	logon := &fakeLogon{auths: []authReply{{remote: fs.local, status: StatusAccessDenied}}}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err := kx.Await()

	var re *RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StatusAccessDenied, re.Status)
	assert.Equal(t, 1, logon.challenges)
}

func TestKeyExchange_NoRetryWithoutBudget(t *testing.T) {
	// Outside auto-negotiate there is no retry budget at all.
	pol := Policy{RequireAES: true}
	fs := deriveFlags(pol, ChannelWorkstation)

	logon := &fakeLogon{auths: []authReply{{remote: fs.local, status: StatusAccessDenied}}}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), pol)
	_, _, err := kx.Await()

	var re *RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, logon.challenges)
}

func TestKeyExchange_ChallengeFailureIsFatal(t *testing.T) {
	logon := &fakeLogon{challengeStatus: StatusAccessDenied}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), Policy{})
	_, _, err := kx.Await()

	var re *RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "challenge", re.Op)
	assert.Empty(t, logon.authFlags, "no authenticate after a failed challenge")
}

func TestKeyExchange_ProtocolRejectionSurfacedVerbatim(t *testing.T) {
	logon := &fakeLogon{auths: []authReply{{status: StatusInternalError}}}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, testCreds(), Policy{})
	_, _, err := kx.Await()

	var re *RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StatusInternalError, re.Status)
}

func TestKeyExchange_ServerResponseMismatch(t *testing.T) {
	fs := deriveFlags(Policy{RequireAES: true}, ChannelWorkstation)
	logon := &fakeLogon{auths: []authReply{{remote: fs.local, status: StatusOK}}}
	factory := &fakeFactory{verifyErr: errors.New("response does not match chain")}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), factory, testCreds(), Policy{RequireAES: true})
	chain, _, err := kx.Await()

	assert.Nil(t, chain)
	assert.ErrorIs(t, err, ErrCredentialVerification)
	assert.True(t, factory.last().closed)
}

func TestKeyExchange_TransportFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name string
		mut  func(*fakeTransport)
	}{
		{"resolve", func(tr *fakeTransport) { tr.resolveErr = boom }},
		{"connect", func(tr *fakeTransport) { tr.connectErr = boom }},
		{"bind", func(tr *fakeTransport) { tr.bindErr = boom }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport(&fakeLogon{})
			tc.mut(tr)

			kx := InitiateKeyExchange(context.Background(), tr, &fakeFactory{}, testCreds(), Policy{})
			_, _, err := kx.Await()

			assert.ErrorIs(t, err, boom)
			assert.Equal(t, PhaseFailed, kx.Phase())
		})
	}
}

func TestKeyExchange_MissingSecret(t *testing.T) {
	creds := &Credentials{AccountName: "WS01$", ComputerName: "WS01", ChannelType: ChannelWorkstation}
	logon := &fakeLogon{}

	kx := InitiateKeyExchange(context.Background(), newFakeTransport(logon), &fakeFactory{}, creds, Policy{})
	_, _, err := kx.Await()

	assert.ErrorIs(t, err, errNoMachineSecret)
}

func TestKeyExchange_CancellationReleasesSession(t *testing.T) {
	logon := &fakeLogon{challengeBlock: true}
	tr := newFakeTransport(logon)

	ctx, cancel := context.WithCancel(context.Background())
	kx := InitiateKeyExchange(ctx, tr, &fakeFactory{}, testCreds(), Policy{})
	cancel()

	_, _, err := kx.Await()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, tr.secondary.closed, "secondary connection released on abort")
}
