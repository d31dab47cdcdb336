// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import "strings"

// Well-known top-level subtrees.
const (
	OpenEJB = "openejb"
	Global  = "global"
)

// parsedName is a name split into its scheme and components.
type parsedName struct {
	// scheme is empty for relative names.
	scheme string

	// absolute is true when the components start at the tree root.
	absolute bool

	components []string
}

// parseName splits a name. java: and openejb: names are absolute paths
// in the tree; any other scheme is returned for URL dispatch with no
// components.
func parseName(name string) parsedName {
	scheme, rest, ok := splitScheme(name)
	if !ok {
		return parsedName{components: splitPath(name)}
	}
	switch scheme {
	case "java":
		return parsedName{scheme: scheme, absolute: true, components: splitPath(rest)}
	case OpenEJB:
		return parsedName{scheme: scheme, absolute: true, components: append([]string{OpenEJB}, splitPath(rest)...)}
	default:
		return parsedName{scheme: scheme}
	}
}

// splitScheme returns the scheme of a name such as "java:comp/env". A
// colon after the first slash does not start a scheme.
func splitScheme(name string) (scheme, rest string, ok bool) {
	index := strings.IndexByte(name, ':')
	if index <= 0 {
		return "", name, false
	}
	scheme = name[:index]
	if strings.ContainsAny(scheme, "/!") {
		return "", name, false
	}
	return scheme, name[index+1:], true
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	components := parts[:0]
	for _, part := range parts {
		if part != "" {
			components = append(components, part)
		}
	}
	return components
}

// HasScheme reports whether name starts with a URL scheme.
func HasScheme(name string) bool {
	_, _, ok := splitScheme(name)
	return ok
}

// Scheme returns the scheme of name, or "".
func Scheme(name string) string {
	scheme, _, _ := splitScheme(name)
	return scheme
}

// Join joins name components with slashes, dropping empty ones.
func Join(components ...string) string {
	var parts []string
	for _, component := range components {
		parts = append(parts, splitPath(component)...)
	}
	return strings.Join(parts, "/")
}

// DeploymentName is the internal name of one view of a deployment,
// relative to the openejb subtree:
//
//	Deployment/{deploymentID}/{interface}!{interfaceType}
//
// interfaceType is the short name of the view ("Remote",
// "Local", "LocalBean", "ServiceEndpoint"). When it is empty the "!"
// suffix is omitted.
func DeploymentName(deploymentID, iface, interfaceType string) string {
	name := "Deployment/" + deploymentID + "/" + iface
	if interfaceType != "" {
		name += "!" + interfaceType
	}
	return name
}
