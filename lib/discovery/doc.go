// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds ejbd servers, either on the local network
// with UDP multicast pulses or across networks with a TCP mesh.
//
// A client pulse is a datagram of the form
//
//	EJBD.MCP.Client:<group>[:BadUri:<host>]
//
// sent to the multicast group. Every [Agent] whose group matches, or
// every agent when the group is "*", answers on the group with
//
//	EJBD.MCP.Server:<group>:<uri>|<uri>|...|<host>,<host>,...
//
// listing the URIs it serves and the host names and addresses clients
// may substitute for a wildcard listen address. A client that could
// not reach a host sends it back after :BadUri: and the agent stops
// advertising it.
//
// Where multicast does not reach, a [Multipoint] node joins a mesh of
// peers over TCP. Messages on a mesh connection end with the byte 0x03.
// The dialing peer greets with its own conn://host:port URI, the
// accepting peer lists the peers it knows and ends with end:list, and
// the dialing peer answers with the peers missing from that list. Each
// side then connects to the peers it just learned and both exchange
// heartbeats of the form
//
//	<group>:<uri>
//
// which a [Tracker] records until a service misses too many of them.
// Two connections between the same peers are settled on the server and
// client ports, so both ends keep the same one.
package discovery
