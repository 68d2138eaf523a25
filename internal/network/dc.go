package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
)

// EDUCATIONAL: Domain Controller Discovery via DNS SRV Records
//
// Active Directory advertises its domain controllers under the _msdcs
// subdomain:
//
//   _ldap._tcp.dc._msdcs.corp.local. 600 IN SRV 0 100 389 dc01.corp.local.
//   _ldap._tcp.dc._msdcs.corp.local. 600 IN SRV 0 100 389 dc02.corp.local.
//
// The record carries:
//   - Priority: lower = preferred
//   - Weight: load balancing within the same priority
//   - Target: FQDN of the DC
//
// The SRV port is the LDAP port and is irrelevant for RPC; netlogon
// endpoints come from the endpoint mapper on the discovered host.

// DCInfo describes one discovered domain controller.
type DCInfo struct {
	Host     string
	Priority int
	Weight   int
}

// DiscoverDCs finds the domain controllers for a domain via DNS SRV,
// ordered by priority (lower first) then weight (higher first).
func DiscoverDCs(ctx context.Context, domain string) ([]DCInfo, error) {
	msdcs := "dc._msdcs." + strings.ToLower(domain)

	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "ldap", "tcp", msdcs)
	if err != nil {
		// Domains with broken _msdcs delegation still publish the plain
		// record.
		_, addrs, err = net.DefaultResolver.LookupSRV(ctx, "ldap", "tcp", strings.ToLower(domain))
		if err != nil {
			return nil, fmt.Errorf("discover DCs for %s (tried _ldap._tcp.%s): %w", domain, msdcs, err)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no domain controllers found for %s", domain)
	}

	dcs := make([]DCInfo, len(addrs))
	for i, addr := range addrs {
		dcs[i] = DCInfo{
			Host:     strings.TrimSuffix(addr.Target, "."),
			Priority: int(addr.Priority),
			Weight:   int(addr.Weight),
		}
	}
	sortDCs(dcs)
	return dcs, nil
}

func sortDCs(dcs []DCInfo) {
	sort.Slice(dcs, func(i, j int) bool {
		if dcs[i].Priority != dcs[j].Priority {
			return dcs[i].Priority < dcs[j].Priority
		}
		return dcs[i].Weight > dcs[j].Weight
	})
}

// ResolveDC returns the domain controller to target: the explicit host when
// one was configured, the best discovered one otherwise.
func ResolveDC(ctx context.Context, domain, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	dcs, err := DiscoverDCs(ctx, domain)
	if err != nil {
		return "", err
	}
	return dcs[0].Host, nil
}
