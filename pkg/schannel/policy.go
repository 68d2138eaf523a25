package schannel

// Policy selects the crypto requirements for a secure channel session. It is
// passed explicitly into the initiators; nothing is read from ambient state.
type Policy struct {
	// Require128Bit requests the 128-bit channel security tier.
	Require128Bit bool

	// RequireAES requests AES session crypto and rejects servers that only
	// speak the legacy MD5-based scheme.
	RequireAES bool

	// AutoNegotiate advertises the full flag set and permits a single
	// downgrade retry when the server denies the initial exchange. In this
	// mode the Reject/Require booleans below are honored; outside it they
	// are implied by the tier selection.
	AutoNegotiate bool

	// RejectMD5Servers refuses servers without AES support.
	RejectMD5Servers bool

	// RequireStrongKey refuses servers without strong (128-bit) key
	// support.
	RequireStrongKey bool

	// WeakCryptoDisallowed is the global lockdown switch: it forces
	// RejectMD5Servers regardless of mode.
	WeakCryptoDisallowed bool
}

// flagSet is the negotiation bookkeeping for one session.
//
// Invariants: requested is frozen once computed; required is computed once
// (the AES tightening below is the only later adjustment and is applied
// before the first comparison); local only ever loses bits across a retry;
// autoRetry goes true -> false exactly once.
type flagSet struct {
	requested NegotiateFlags
	required  NegotiateFlags
	local     NegotiateFlags
	remote    NegotiateFlags
	autoRetry bool
}

// deriveFlags computes the initial flag sets from policy. Mirrors the
// derivation order of the reference client: tier upgrades, policy pulls,
// weak-crypto override, implication chain, then the monotonic union.
func deriveFlags(p Policy, channel ChannelType) flagSet {
	fs := flagSet{
		local:    NegAuth2Flags,
		required: NegAuthenticatedRPC,
	}

	rejectMD5 := false
	requireStrong := false

	if p.Require128Bit {
		fs.local = NegAuth2ADSFlags
		requireStrong = true
	}
	if p.RequireAES {
		fs.local = NegAuth2ADSFlags
		rejectMD5 = true
	}
	if p.AutoNegotiate {
		fs.local = NegAuth2ADSFlags | NegSupportsAES
		fs.autoRetry = true
		rejectMD5 = p.RejectMD5Servers
		requireStrong = p.RequireStrongKey
	}

	if p.WeakCryptoDisallowed {
		rejectMD5 = true
	}

	// Rejecting MD5 servers only makes sense with strong keys.
	if rejectMD5 {
		requireStrong = true
	}

	if requireStrong {
		fs.required |= NegArcfour
		fs.required |= NegStrongKeys
	}
	if rejectMD5 {
		fs.required |= NegPasswordSet2
		fs.required |= NegSupportsAES
	}

	fs.local |= fs.required

	// AES supersedes both RC4-era bits as a requirement.
	if fs.required.Has(NegSupportsAES) {
		fs.required.Unset(NegArcfour | NegStrongKeys)
	}

	if channel == ChannelRODC {
		fs.local |= NegRODCPassthrough
	}

	fs.requested = fs.local
	return fs
}

// PolicyFlags reports the requested and required flag sets a policy derives
// for the given channel type, exactly as a session would compute them.
func PolicyFlags(p Policy, channel ChannelType) (requested, required NegotiateFlags) {
	fs := deriveFlags(p, channel)
	return fs.requested, fs.required
}

// tightenedRequired returns the required set as used for the pass/fail
// comparison: when both sides advertise AES the RC4-era bits are dropped.
// The untightened value is what failure diagnostics report.
func (fs *flagSet) tightenedRequired() NegotiateFlags {
	rqf := fs.required
	if fs.remote.Has(NegSupportsAES) && fs.local.Has(NegSupportsAES) {
		rqf.Unset(NegArcfour | NegStrongKeys)
	}
	return rqf
}
