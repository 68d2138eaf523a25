package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/oiweiwei/go-msrpc/dcerpc"
	"github.com/oiweiwei/go-msrpc/msrpc/epm/epm/v3"
	"github.com/oiweiwei/go-msrpc/msrpc/nrpc/logon/v1"
	"github.com/oiweiwei/go-msrpc/ssp"
	"github.com/oiweiwei/go-msrpc/ssp/credential"
	"github.com/oiweiwei/go-msrpc/ssp/gssapi"
	"github.com/rs/zerolog"

	"github.com/goschannel/goschannel/pkg/schannel"
)

var mechanismOnce sync.Once

// Config selects the domain controller and the machine account the transport
// binds with.
type Config struct {
	// Server is the domain controller host name or address.
	Server string

	// MapperPort is the endpoint mapper port. Zero means 135.
	MapperPort int

	// Domain is the NETBIOS or DNS domain name, used to scope the machine
	// credential for the authenticated bind.
	Domain string

	// Credentials is the machine account; the authenticated bind derives the
	// DCERPC netlogon credential from it.
	Credentials *schannel.Credentials

	Log zerolog.Logger
}

// Netlogon is the go-msrpc backed schannel.Transport.
type Netlogon struct {
	cfg Config
	log zerolog.Logger
}

// New builds a transport for one domain controller.
func New(cfg Config) *Netlogon {
	if cfg.MapperPort == 0 {
		cfg.MapperPort = 135
	}
	return &Netlogon{
		cfg: cfg,
		log: cfg.Log.With().Str("server", cfg.Server).Logger(),
	}
}

// ServerName returns the plain name of the domain controller.
func (t *Netlogon) ServerName() string {
	return t.cfg.Server
}

// Resolve maps the interface to a dialable binding string. The actual
// port lookup is deferred to the endpoint mapper during Connect, matching
// how the library resolves dynamic endpoints.
func (t *Netlogon) Resolve(ctx context.Context, iface schannel.InterfaceID) (schannel.Endpoint, error) {
	if t.cfg.Server == "" {
		return "", fmt.Errorf("no domain controller configured")
	}
	return schannel.Endpoint("ncacn_ip_tcp:" + t.cfg.Server), nil
}

// Connect opens a connection to the resolved endpoint via the endpoint
// mapper. The connection carries no security context yet.
func (t *Netlogon) Connect(ctx context.Context, ep schannel.Endpoint) (schannel.Conn, error) {
	t.log.Debug().Str("endpoint", string(ep)).Msg("dialing")

	cc, err := dcerpc.Dial(ctx, string(ep),
		epm.EndpointMapper(ctx,
			net.JoinHostPort(t.cfg.Server, strconv.Itoa(t.cfg.MapperPort)),
			dcerpc.WithInsecure(),
		))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return &rpcConn{conn: cc, at: schannel.AuthTypeNone, al: schannel.AuthLevelNone}, nil
}

// BindNoAuth binds the netlogon interface without authentication. The
// challenge/authenticate exchange runs over this bind.
func (t *Netlogon) BindNoAuth(ctx context.Context, c schannel.Conn, iface schannel.InterfaceID) error {
	rc, ok := c.(*rpcConn)
	if !ok {
		return fmt.Errorf("foreign connection type %T", c)
	}

	cli, err := logon.NewLogonClient(ctx, rc.conn, dcerpc.WithInsecure())
	if err != nil {
		return fmt.Errorf("unauthenticated netlogon bind: %w", err)
	}
	rc.logon = &logonStub{cli: cli}
	return nil
}

// BindAuth opens the primary connection and binds iface under the netlogon
// security provider at the given protection level. The provider reruns its
// own key schedule from the machine credential; chain carries the
// application-level state and its negotiated flags gate the bind.
func (t *Netlogon) BindAuth(ctx context.Context, iface schannel.InterfaceID, chain schannel.Chain, level schannel.AuthLevel) (schannel.Conn, error) {
	creds := t.cfg.Credentials
	if creds == nil {
		return nil, fmt.Errorf("no machine credentials configured")
	}
	if !chain.NegotiatedFlags().Has(schannel.NegAuthenticatedRPC) {
		return nil, fmt.Errorf("negotiated flags do not permit an authenticated bind")
	}

	copts := []credential.Option{credential.Workstation(creds.ComputerName)}
	if t.cfg.Domain != "" {
		copts = append(copts, credential.Domain(strings.ToUpper(t.cfg.Domain)))
	}
	if len(creds.Secret) > 0 {
		gssapi.AddCredential(credential.NewFromNTHashBytes(creds.AccountName, creds.Secret, copts...))
	} else {
		gssapi.AddCredential(credential.NewFromPassword(creds.AccountName, creds.Password, copts...))
	}
	mechanismOnce.Do(func() {
		gssapi.AddMechanism(ssp.Netlogon)
	})
	ctx = gssapi.NewSecurityContext(ctx)

	cc, err := dcerpc.Dial(ctx, "ncacn_ip_tcp:"+t.cfg.Server,
		epm.EndpointMapper(ctx,
			net.JoinHostPort(t.cfg.Server, strconv.Itoa(t.cfg.MapperPort)),
			dcerpc.WithInsecure(),
		))
	if err != nil {
		return nil, fmt.Errorf("dial primary connection: %w", err)
	}

	opts := append(protectionOptions(level), dcerpc.WithTargetName(t.cfg.Server))
	cli, err := logon.NewLogonClient(ctx, cc, opts...)
	if err != nil {
		cc.Close(ctx)
		return nil, fmt.Errorf("authenticated netlogon bind: %w", err)
	}

	t.log.Debug().Stringer("level", level).Msg("authenticated bind established")
	return &rpcConn{
		conn:  cc,
		logon: &logonStub{cli: cli},
		at:    schannel.AuthTypeSchannel,
		al:    level,
	}, nil
}

func protectionOptions(level schannel.AuthLevel) []dcerpc.Option {
	switch level {
	case schannel.AuthLevelPrivacy:
		return []dcerpc.Option{dcerpc.WithSeal()}
	case schannel.AuthLevelIntegrity, schannel.AuthLevelPacket, schannel.AuthLevelCall:
		return []dcerpc.Option{dcerpc.WithSign()}
	default:
		return []dcerpc.Option{dcerpc.WithInsecure()}
	}
}

// rpcConn is one bound go-msrpc connection.
type rpcConn struct {
	conn  dcerpc.Conn
	logon *logonStub
	at    schannel.AuthType
	al    schannel.AuthLevel
}

func (c *rpcConn) Logon() schannel.LogonRPC { return c.logon }

func (c *rpcConn) AuthInfo() (schannel.AuthType, schannel.AuthLevel) { return c.at, c.al }

func (c *rpcConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
