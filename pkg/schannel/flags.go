package schannel

import "fmt"

// NegotiateFlags is the MS-NRPC negotiate flag bitset exchanged during
// ServerAuthenticate. Each party advertises the crypto and protocol
// capabilities it supports; the intersection governs the session.
type NegotiateFlags uint32

// Individual negotiate flag bits (MS-NRPC 3.1.4.2).
const (
	NegAccountLockout          NegotiateFlags = 0x00000001
	NegPersistentSAMRepl       NegotiateFlags = 0x00000002
	NegArcfour                 NegotiateFlags = 0x00000004
	NegPromotionCount          NegotiateFlags = 0x00000008
	NegChangelogBDC            NegotiateFlags = 0x00000010
	NegFullSyncRepl            NegotiateFlags = 0x00000020
	NegMultipleSIDs            NegotiateFlags = 0x00000040
	NegRedo                    NegotiateFlags = 0x00000080
	NegPasswordChangeRefusal   NegotiateFlags = 0x00000100
	NegSendPasswordInfoPDC     NegotiateFlags = 0x00000200
	NegGenericPassthrough      NegotiateFlags = 0x00000400
	NegConcurrentRPC           NegotiateFlags = 0x00000800
	NegAvoidAccountDBRepl      NegotiateFlags = 0x00001000
	NegAvoidSecurityAuthDBRepl NegotiateFlags = 0x00002000
	NegStrongKeys              NegotiateFlags = 0x00004000
	NegTransitiveTrusts        NegotiateFlags = 0x00008000
	NegDNSDomainTrusts         NegotiateFlags = 0x00010000
	NegPasswordSet2            NegotiateFlags = 0x00020000
	NegGetDomainInfo           NegotiateFlags = 0x00040000
	NegCrossForestTrusts       NegotiateFlags = 0x00080000
	NegNeutralizeNT4Emulation  NegotiateFlags = 0x00100000
	NegRODCPassthrough         NegotiateFlags = 0x00200000
	NegSupportsAES             NegotiateFlags = 0x01000000
	NegAuthenticatedRPCLSASS   NegotiateFlags = 0x20000000
	NegAuthenticatedRPC        NegotiateFlags = 0x40000000
)

// NegAuth2Flags is the base flag set advertised for a plain (NT4-era)
// authentication exchange.
const NegAuth2Flags = NegAccountLockout |
	NegPersistentSAMRepl |
	NegArcfour |
	NegPromotionCount |
	NegChangelogBDC |
	NegFullSyncRepl |
	NegMultipleSIDs |
	NegRedo |
	NegPasswordChangeRefusal |
	NegAuthenticatedRPC

// NegAuth2ADSFlags is the extended flag set advertised when talking to an
// AD-era domain controller.
const NegAuth2ADSFlags = NegAuth2Flags |
	NegStrongKeys |
	NegTransitiveTrusts |
	NegDNSDomainTrusts |
	NegPasswordSet2 |
	NegGetDomainInfo |
	NegConcurrentRPC

// Has reports whether every bit in mask is set.
func (f NegotiateFlags) Has(mask NegotiateFlags) bool {
	return f&mask == mask
}

// HasAny reports whether any bit in mask is set.
func (f NegotiateFlags) HasAny(mask NegotiateFlags) bool {
	return f&mask != 0
}

// Unset clears every bit in mask.
func (f *NegotiateFlags) Unset(mask NegotiateFlags) {
	*f &^= mask
}

// KeyTier names the strongest session-key scheme the flag set allows.
// It is the vocabulary used when reporting a negotiated downgrade.
func (f NegotiateFlags) KeyTier() string {
	switch {
	case f.Has(NegSupportsAES):
		return "aes"
	case f.Has(NegStrongKeys):
		return "strong"
	default:
		return "des"
	}
}

func (f NegotiateFlags) String() string {
	return fmt.Sprintf("0x%08X", uint32(f))
}
