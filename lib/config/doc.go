// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the ejbd daemon configuration.
//
// Configuration comes from exactly one file, named either by the
// EJBD_CONFIG environment variable ([Load]) or by a --config flag
// ([LoadFile]). There is no search path and no per-field environment
// override: what is in the file is what runs.
//
// The file is YAML. A file ending in .json or .jsonc is accepted as
// well; comments and trailing commas are stripped with tidwall/jsonc
// and the result parsed by the same YAML decoder, since JSON is a
// subset of YAML.
//
// A development, staging or production section overrides base values
// when [Config].Environment names it. Production without an explicit
// section disables anonymous access.
//
// After loading, ${VAR} and ${VAR:-default} are expanded in path
// fields and the server address. ${EJBD_HOME} refers to the
// security.state_dir value after its own expansion.
package config
