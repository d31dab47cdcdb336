// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package container hosts deployed components and invokes their
// methods on behalf of local and remote callers.
//
// A [Deployment] describes one component: its identity, its views
// (one per exposed interface), method permissions and transaction
// attributes. [Registry.Deploy] turns each view into a [Component]
// whose exported Go methods become invocable operations, and
// [Registry.Invoke] runs an operation under the caller's security
// subject and the method's transaction attribute. [Binder] publishes
// every view in a naming tree.
package container
