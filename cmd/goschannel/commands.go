package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goschannel/goschannel/internal/network"
	"github.com/goschannel/goschannel/pkg/schannel"
	"github.com/goschannel/goschannel/pkg/transport"
)

// errPolicyNotSatisfied marks probe results that should exit with the
// downgrade status code.
var errPolicyNotSatisfied = errors.New("policy not satisfied")

func errUnsatisfied(err error) bool {
	return errors.Is(err, schannel.ErrDowngradeDetected) ||
		errors.Is(err, errPolicyNotSatisfied)
}

func logger() zerolog.Logger {
	if !flags.verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}

func policy() schannel.Policy {
	return schannel.Policy{
		Require128Bit:        flags.require128,
		RequireAES:           flags.requireAES,
		AutoNegotiate:        flags.auto,
		RejectMD5Servers:     flags.rejectMD5,
		RequireStrongKey:     flags.requireStrong,
		WeakCryptoDisallowed: flags.lockdown,
	}
}

func channelType() (schannel.ChannelType, error) {
	switch strings.ToLower(flags.channel) {
	case "workstation", "":
		return schannel.ChannelWorkstation, nil
	case "domain":
		return schannel.ChannelDomain, nil
	case "bdc":
		return schannel.ChannelBDC, nil
	case "rodc":
		return schannel.ChannelRODC, nil
	default:
		return 0, fmt.Errorf("unknown channel type: %s", flags.channel)
	}
}

func credentials() (*schannel.Credentials, error) {
	if flags.computer == "" {
		return nil, fmt.Errorf("computer name is required (-c)")
	}
	channel, err := channelType()
	if err != nil {
		return nil, err
	}

	account := flags.account
	if account == "" {
		account = flags.computer + "$"
	}

	creds := &schannel.Credentials{
		AccountName:  account,
		ComputerName: flags.computer,
		ChannelType:  channel,
		Password:     flags.password,
	}
	if flags.ntHash != "" {
		secret, err := hex.DecodeString(flags.ntHash)
		if err != nil {
			return nil, fmt.Errorf("invalid NT hash: %w", err)
		}
		creds.Secret = secret
	}
	return creds, nil
}

func targetDC(ctx context.Context) (string, error) {
	if flags.dc == "" && flags.domain == "" {
		return "", fmt.Errorf("a domain (-d) or an explicit DC (-s) is required")
	}
	return network.ResolveDC(ctx, flags.domain, flags.dc)
}

// cmdDiscover handles the discover command.
func cmdDiscover(args []string) error {
	domain := flags.domain
	if len(args) > 0 {
		domain = args[0]
	}
	if domain == "" {
		return fmt.Errorf("domain is required (-d or argument)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flags.timeout)*time.Second)
	defer cancel()

	dcs, err := network.DiscoverDCs(ctx, domain)
	if err != nil {
		return err
	}

	fmt.Printf("[*] Domain controllers for %s:\n", domain)
	for _, dc := range dcs {
		fmt.Printf("[+] %s (priority %d, weight %d)\n", dc.Host, dc.Priority, dc.Weight)
	}
	return nil
}

// cmdProbe handles the probe command: a credential-less look at what the DC
// advertises, judged against the selected policy.
func cmdProbe(args []string) error {
	creds, err := credentials()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flags.timeout)*time.Second)
	defer cancel()

	server, err := targetDC(ctx)
	if err != nil {
		return err
	}

	tr := transport.New(transport.Config{
		Server:      server,
		Domain:      flags.domain,
		Credentials: creds,
		Log:         logger(),
	})

	fmt.Printf("[*] Probing %s as %s\n", server, creds.AccountName)

	rep, err := schannel.ScanCapabilities(ctx, tr, creds, policy())
	if err != nil {
		return err
	}

	fmt.Printf("[*] Requested flags: %v\n", rep.Requested)
	fmt.Printf("[*] Server flags:    %v (key tier: %s)\n", rep.Remote, rep.Remote.KeyTier())
	fmt.Printf("[*] Auth status:     %v\n", rep.Status)

	if !rep.Satisfied() {
		fmt.Printf("[!] Missing required flags: %v\n", rep.MissingRequired)
		return fmt.Errorf("%s: %w", server, errPolicyNotSatisfied)
	}
	fmt.Println("[+] Server satisfies the selected policy")
	return nil
}

// cmdFlags handles the flags command: an offline view of what the selected
// policy would put on the wire.
func cmdFlags(args []string) error {
	channel, err := channelType()
	if err != nil {
		return err
	}

	requested, required := schannel.PolicyFlags(policy(), channel)
	fmt.Printf("[*] Requested: %v (key tier: %s)\n", requested, requested.KeyTier())
	fmt.Printf("[*] Required:  %v\n", required)
	return nil
}

// cmdHash computes the NT hash of a password, the machine secret form the
// channel is keyed by.
func cmdHash(args []string) error {
	password := flags.password
	if len(args) > 0 {
		password = args[0]
	}
	if password == "" {
		return fmt.Errorf("password required (-p or argument)")
	}

	creds := &schannel.Credentials{Password: password}
	secret, err := creds.MachineSecret()
	if err != nil {
		return err
	}
	fmt.Printf("[+] NT hash: %s\n", hex.EncodeToString(secret))
	return nil
}
