// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package naming implements the in-process naming tree that components,
// resources and remote clients resolve names against.
//
// A [Context] is a node in a tree of bindings. A binding is one of:
//
//   - a plain value, returned as is;
//   - a subcontext, returned as a *Context;
//   - a [*Reference], resolved on every lookup through the
//     [ObjectFactory] registered for its kind;
//   - a [*Link], an alias that is looked up in its place;
//   - an [ExternalContext], another naming provider mounted at that
//     name. Lookups that continue below it are delegated with the
//     remaining name.
//
// Names are slash separated. Empty components are ignored, so
// "a//b/" and "a/b" are the same name. A name may carry a scheme:
//
//	java:openejb/Deployment/x   root of the tree, openejb subtree
//	java:global/app/mod/Bean    root of the tree, global subtree
//	openejb:Deployment/x        shorthand for java:openejb/...
//	ejbd://host:4201/Bean       handed to the URL context factory for "ejbd"
//
// Names without a scheme are relative to the context they are given to.
//
// # Lookup
//
// A successful tree lookup is remembered in a cache keyed by absolute
// path. The cache holds the raw binding, so references are still
// resolved on every lookup; it is cleared by Unbind and Rebind.
//
// When a name is not in the tree, contexts added with [Context.Federate]
// are asked in the order they were added. The first to answer wins and
// their failures are not reported; if none answers the original
// [*NameNotFoundError] is returned.
//
// Calls into an ExternalContext, whether mounted or federated, are
// serialized per instance. Providers such as a remote client connection
// are not required to be safe for concurrent use.
//
// # References
//
// A reference carries a kind and string properties. The factory for
// its kind turns it into a name, which is looked up from the openejb
// subtree unless it has its own scheme. When the reference is marked
// External the value found is copied before it is returned, using the
// factory's [Copier] when it has one and a CBOR round trip otherwise.
// Values that are not marked external are shared.
//
// # Read-only contexts
//
// After [Context.SetReadOnly], Bind, Rebind, Unbind and
// CreateSubcontext are ignored and return nil, unless the tree was
// created with Options.FailOnReadOnlyWrite, in which case they return
// [ErrReadOnly].
package naming
