package main

import (
	"fmt"
	"os"

	"github.com/mjwhitta/cli"
)

// Version info
var version = "0.1.0"

// Exit codes
const (
	ExitSuccess = iota
	ExitError
	ExitMissingArg
	ExitDowngrade
)

// Global flags
var flags struct {
	domain   string
	dc       string
	account  string
	computer string
	password string
	ntHash   string
	channel  string

	requireAES    bool
	require128    bool
	auto          bool
	rejectMD5     bool
	requireStrong bool
	lockdown      bool

	timeout int
	verbose bool
}

// Command to run
var command string
var cmdArgs []string

func init() {
	// Configure cli
	cli.Align = true
	cli.Authors = []string{"goschannel authors"}
	cli.Banner = fmt.Sprintf("%s [OPTIONS] <command> [args...]", os.Args[0])
	cli.Info(
		"goschannel - Netlogon Secure Channel Toolkit",
		"",
		"Establishes and audits netlogon secure channels: capability",
		"negotiation, downgrade detection, and DC crypto policy probing.",
	)
	cli.ExitStatus(
		"0 - Success",
		"1 - Error",
		"2 - Missing argument",
		"3 - Downgrade detected / policy not satisfied",
	)

	// Define flags (short, long, default, description)
	cli.Flag(&flags.domain, "d", "domain", "", "Domain name")
	cli.Flag(&flags.dc, "s", "server", "", "Domain controller (skips discovery)")
	cli.Flag(&flags.account, "u", "account", "", "Machine account name (e.g. WS01$)")
	cli.Flag(&flags.computer, "c", "computer", "", "Computer name (e.g. WS01)")
	cli.Flag(&flags.password, "p", "pass", "", "Machine account password")
	cli.Flag(&flags.ntHash, "r", "nthash", "", "Machine secret as hex NT hash")
	cli.Flag(&flags.channel, "t", "channel", "workstation", "Channel type (workstation, domain, bdc, rodc)")
	cli.Flag(&flags.requireAES, "aes", false, "Require AES session crypto")
	cli.Flag(&flags.require128, "128", false, "Require 128-bit channel security")
	cli.Flag(&flags.auto, "a", "auto", false, "Auto-negotiate with one downgrade retry")
	cli.Flag(&flags.rejectMD5, "reject-md5", false, "Reject servers without AES (auto mode)")
	cli.Flag(&flags.requireStrong, "require-strong", false, "Require strong keys (auto mode)")
	cli.Flag(&flags.lockdown, "lockdown", false, "Disallow weak crypto regardless of mode")
	cli.Flag(&flags.timeout, "w", "wait", 30, "Timeout in seconds")
	cli.Flag(&flags.verbose, "v", "verbose", false, "Verbose output")

	// Commands section
	cli.Section("Commands",
		"  discover  Find domain controllers via DNS SRV\n",
		"  probe     Probe a DC's negotiate flags against policy\n",
		"  flags     Show the flag sets a policy derives\n",
		"  hash      Compute the NT hash of a password",
	)

	cli.Parse()

	// Get command from args
	if cli.NArg() == 0 {
		cli.Usage(ExitMissingArg)
	}

	command = cli.Arg(0)
	if cli.NArg() > 1 {
		cmdArgs = cli.Args()[1:]
	}
}

func main() {
	var err error
	switch command {
	case "discover":
		err = cmdDiscover(cmdArgs)
	case "probe", "scan":
		err = cmdProbe(cmdArgs)
	case "flags":
		err = cmdFlags(cmdArgs)
	case "hash":
		err = cmdHash(cmdArgs)
	case "version":
		fmt.Println(version)
	case "help":
		cli.Usage(ExitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		cli.Usage(ExitError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errUnsatisfied(err) {
			os.Exit(ExitDowngrade)
		}
		os.Exit(ExitError)
	}
}
