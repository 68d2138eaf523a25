// Package network locates domain controllers.
//
// Discovery follows the DNS SRV records Active Directory publishes for its
// DCs; an explicitly configured controller always wins over discovery.
package network
