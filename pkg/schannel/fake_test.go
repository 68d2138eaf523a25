package schannel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Deterministic fakes for the external collaborators. The chain fake tracks
// sequence advancement so tests can prove state only moves after a verified
// exchange.

type fakeChain struct {
	negotiated NegotiateFlags
	seq        uint32
	verifyErr  error
	closed     bool

	params ChainParams
}

func (c *fakeChain) NegotiatedFlags() NegotiateFlags { return c.negotiated }

func (c *fakeChain) RestrictFlags(remote NegotiateFlags) { c.negotiated &= remote }

func (c *fakeChain) Authenticator() (Authenticator, error) {
	c.seq++
	var n Nonce
	binary.LittleEndian.PutUint32(n[:4], c.seq)
	return Authenticator{Credential: n, Timestamp: c.seq}, nil
}

func (c *fakeChain) Verify(cred Nonce, at AuthType, al AuthLevel) error {
	return c.verifyErr
}

func (c *fakeChain) Snapshot() Chain {
	cp := *c
	return &cp
}

func (c *fakeChain) Restore(snap Chain) {
	*c = *(snap.(*fakeChain))
}

func (c *fakeChain) Close() { c.closed = true }

type fakeFactory struct {
	err       error
	verifyErr error
	response  Nonce

	created []*fakeChain
}

func (f *fakeFactory) New(p ChainParams) (Chain, Nonce, error) {
	if f.err != nil {
		return nil, Nonce{}, f.err
	}
	c := &fakeChain{
		negotiated: p.LocalFlags,
		verifyErr:  f.verifyErr,
		params:     p,
	}
	f.created = append(f.created, c)
	return c, f.response, nil
}

func (f *fakeFactory) last() *fakeChain {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type authReply struct {
	remote   NegotiateFlags
	response Nonce
	status   Status
	err      error
}

type capsReply struct {
	reply *CapabilityReply
	err   error
}

type fakeLogon struct {
	serverNonce     Nonce
	challengeStatus Status
	challengeErr    error
	challengeBlock  bool // block until ctx is canceled
	challenges      int

	auths     []authReply
	authFlags []NegotiateFlags // requested flags observed per call
	authResps []Nonce          // client responses observed per call

	caps       []capsReply
	capsLevels []uint32
	capsAuths  []Authenticator

	ctrlWErr  WErr
	ctrlErr   error
	ctrlCalls int
}

func (l *fakeLogon) Challenge(ctx context.Context, serverName, computerName string, clientNonce Nonce) (Nonce, Status, error) {
	l.challenges++
	if l.challengeBlock {
		<-ctx.Done()
		return Nonce{}, 0, ctx.Err()
	}
	if l.challengeErr != nil {
		return Nonce{}, 0, l.challengeErr
	}
	return l.serverNonce, l.challengeStatus, nil
}

func (l *fakeLogon) Authenticate(ctx context.Context, serverName, accountName string, channel ChannelType, computerName string,
	requested NegotiateFlags, clientResponse Nonce) (NegotiateFlags, Nonce, Status, error) {

	l.authFlags = append(l.authFlags, requested)
	l.authResps = append(l.authResps, clientResponse)
	if len(l.auths) == 0 {
		return 0, Nonce{}, 0, errors.New("unexpected authenticate call")
	}
	r := l.auths[0]
	l.auths = l.auths[1:]
	return r.remote, r.response, r.status, r.err
}

func (l *fakeLogon) GetCapabilities(ctx context.Context, serverName, computerName string, auth *Authenticator, queryLevel uint32) (*CapabilityReply, error) {
	l.capsLevels = append(l.capsLevels, queryLevel)
	l.capsAuths = append(l.capsAuths, *auth)
	if len(l.caps) == 0 {
		return nil, errors.New("unexpected capabilities call")
	}
	r := l.caps[0]
	l.caps = l.caps[1:]
	return r.reply, r.err
}

func (l *fakeLogon) ControlQuery(ctx context.Context, serverName string, code ControlCode, level uint32) (WErr, error) {
	l.ctrlCalls++
	if code != ControlQueryInfo || level != 2 {
		return 0, fmt.Errorf("unexpected control query: code=%d level=%d", code, level)
	}
	return l.ctrlWErr, l.ctrlErr
}

type fakeConn struct {
	logon  *fakeLogon
	at     AuthType
	al     AuthLevel
	closed int
}

func (c *fakeConn) Logon() LogonRPC                 { return c.logon }
func (c *fakeConn) AuthInfo() (AuthType, AuthLevel) { return c.at, c.al }
func (c *fakeConn) Close(ctx context.Context) error {
	c.closed++
	return nil
}

type fakeTransport struct {
	server    string
	secondary *fakeConn
	authed    *fakeConn

	resolveErr  error
	connectErr  error
	bindErr     error
	bindAuthErr error

	boundIface    InterfaceID
	bindAuthChain Chain
	bindAuthLevel AuthLevel
}

func (t *fakeTransport) Resolve(ctx context.Context, iface InterfaceID) (Endpoint, error) {
	if t.resolveErr != nil {
		return "", t.resolveErr
	}
	return Endpoint("ncacn_ip_tcp:" + t.server), nil
}

func (t *fakeTransport) Connect(ctx context.Context, ep Endpoint) (Conn, error) {
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.secondary, nil
}

func (t *fakeTransport) BindNoAuth(ctx context.Context, c Conn, iface InterfaceID) error {
	return t.bindErr
}

func (t *fakeTransport) BindAuth(ctx context.Context, iface InterfaceID, chain Chain, level AuthLevel) (Conn, error) {
	t.boundIface = iface
	t.bindAuthChain = chain
	t.bindAuthLevel = level
	if t.bindAuthErr != nil {
		return nil, t.bindAuthErr
	}
	return t.authed, nil
}

func (t *fakeTransport) ServerName() string { return t.server }

// newFakeTransport wires a transport whose secondary connection answers with
// the given scripted netlogon fake.
func newFakeTransport(logon *fakeLogon) *fakeTransport {
	return &fakeTransport{
		server:    "DC01",
		secondary: &fakeConn{logon: logon, at: AuthTypeNone, al: AuthLevelNone},
		authed:    &fakeConn{logon: &fakeLogon{}, at: AuthTypeSchannel, al: AuthLevelPrivacy},
	}
}

func testCreds() *Credentials {
	return &Credentials{
		AccountName:  "WS01$",
		ComputerName: "WS01",
		ChannelType:  ChannelWorkstation,
		Password:     "hunter2",
	}
}
