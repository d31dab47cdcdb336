// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package client talks to an ejbd server.
//
// A [Client] owns one connection and runs one request at a time on it.
// When the connection breaks the next request dials again; the
// identity token from [Client.Login] is kept on the client and sent
// with every request, so a reconnect does not lose the login.
//
// [Client.Lookup] turns naming results into Go values: remote
// components become [*EJBProxy], contexts become [*RemoteContext] (which
// can be federated into a local naming tree), web-service endpoints and
// resources become [*WebServiceRef] and [*ResourceRef], and anything
// else is decoded from CBOR.
package client
