// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"net"
	"net/url"
	"slices"
	"strings"
)

const (
	ServerPrefix = "EJBD.MCP.Server:"
	ClientPrefix = "EJBD.MCP.Client:"
	BadURIMarker = ":BadUri:"

	// AnyGroup in a client pulse asks every group to answer.
	AnyGroup = "*"

	// noService stands in for the URI list of an agent that serves
	// nothing yet.
	noService = "NoService"

	// MaxPacketSize is the largest pulse read or written.
	MaxPacketSize = 2048
)

// ClientPulse returns the request packet for group. A non-empty
// badHost reports an unreachable host to the agents of the group.
func ClientPulse(group, badHost string) []byte {
	pulse := ClientPrefix + group
	if badHost != "" {
		pulse += BadURIMarker + badHost
	}
	return []byte(pulse)
}

// ParseClientPulse splits a request packet.
func ParseClientPulse(packet []byte) (group, badHost string, ok bool) {
	request, ok := strings.CutPrefix(string(packet), ClientPrefix)
	if !ok {
		return "", "", false
	}
	group, badHost, _ = strings.Cut(request, BadURIMarker)
	return group, badHost, group != ""
}

// ServerPulse returns the response packet of an agent.
func ServerPulse(group string, uris, hosts []string) []byte {
	var builder strings.Builder
	builder.WriteString(ServerPrefix)
	builder.WriteString(group)
	builder.WriteByte(':')
	if len(uris) == 0 {
		builder.WriteString(noService)
		builder.WriteByte('|')
	}
	for _, uri := range uris {
		builder.WriteString(uri)
		builder.WriteByte('|')
	}
	builder.WriteString(strings.Join(hosts, ","))
	return []byte(builder.String())
}

// ParseServerPulse splits a response packet. The URI list never
// contains the placeholder of an empty agent.
func ParseServerPulse(packet []byte) (group string, uris, hosts []string, ok bool) {
	rest, ok := strings.CutPrefix(string(packet), ServerPrefix)
	if !ok {
		return "", nil, nil, false
	}
	group, rest, ok = strings.Cut(rest, ":")
	if !ok || group == "" {
		return "", nil, nil, false
	}
	last := strings.LastIndexByte(rest, '|')
	if last < 0 {
		return "", nil, nil, false
	}
	for _, uri := range strings.Split(rest[:last], "|") {
		if uri != "" && uri != noService {
			uris = append(uris, uri)
		}
	}
	for _, host := range strings.Split(rest[last+1:], ",") {
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return group, uris, hosts, true
}

// expandURI replaces a wildcard host in uri with each advertised host.
func expandURI(uri string, hosts []string) []string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	host := parsed.Hostname()
	if host != "0.0.0.0" && host != "::" {
		return []string{uri}
	}
	port := parsed.Port()
	var expanded []string
	for _, candidate := range hosts {
		if isTeredo(candidate) {
			continue
		}
		clone := *parsed
		if port != "" {
			clone.Host = net.JoinHostPort(candidate, port)
		} else if strings.Contains(candidate, ":") {
			clone.Host = "[" + candidate + "]"
		} else {
			clone.Host = candidate
		}
		expanded = append(expanded, clone.String())
	}
	return expanded
}

// isTeredo reports whether host is an address of the Teredo tunnelling
// prefix, which is never reachable for discovery.
func isTeredo(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil || ip.To4() != nil {
		return false
	}
	return ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0 && ip[3] == 0
}

// sortHosts orders names before IPv4 before IPv6 addresses.
func sortHosts(hosts []string) {
	rank := func(host string) int {
		ip := net.ParseIP(host)
		switch {
		case ip == nil:
			return 0
		case ip.To4() != nil:
			return 1
		}
		return 2
	}
	slices.SortFunc(hosts, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
}
