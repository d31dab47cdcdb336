// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles a complete ejbd server from a
// [config.Config]: the naming tree, security realms and token issuer,
// resources, transaction manager, container registry and JNDI binder,
// the protocol handler behind a [daemon.Daemon], the discovery agent
// and the metrics collector.
//
// The naming tree has this layout:
//
//	openejb/Deployment/...   internal names of every view
//	openejb/local/...        templated names of all views
//	openejb/remote/...       templated names of remote views (served to clients)
//	openejb/global/global/.. java:global names
//	openejb/Resource/<id>    configured resources
//	openejb/WebService/<id>  service endpoints
//	openejb/UserTransaction  the user transaction
//	comp/env/...             env_entries from the configuration
//
// Configured links whose names have no scheme are bound below
// openejb/remote, so remote callers can use them as aliases.
package server
