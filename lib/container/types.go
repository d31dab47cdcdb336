// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"fmt"
	"strings"
)

// InterfaceType is the kind of view a component exposes.
type InterfaceType int

const (
	BusinessLocal InterfaceType = iota + 1
	BusinessRemote
	LocalBean
	ServiceEndpoint
)

var interfaceTypeNames = map[InterfaceType]struct {
	short, annotation, xml, legacy string
}{
	BusinessLocal:   {"Local", "Local", "business-local", "BusinessLocal"},
	BusinessRemote:  {"Remote", "Remote", "business-remote", "BusinessRemote"},
	LocalBean:       {"LocalBean", "LocalBean", "localbean", "LocalBean"},
	ServiceEndpoint: {"ServiceEndpoint", "Endpoint", "service-endpoint", "ServiceEndpoint"},
}

// String returns the name used in Deployment/<id>/<interface>!<type>
// bindings and on the wire.
func (t InterfaceType) String() string {
	if names, ok := interfaceTypeNames[t]; ok {
		return names.short
	}
	return fmt.Sprintf("InterfaceType(%d)", int(t))
}

// AnnotationName is the {interfaceType.annotationName} template value.
func (t InterfaceType) AnnotationName() string { return interfaceTypeNames[t].annotation }

// XMLName is the {interfaceType.xmlName} template value.
func (t InterfaceType) XMLName() string { return interfaceTypeNames[t].xml }

// XMLNameCc is XMLName in camel case, e.g. businessLocal.
func (t InterfaceType) XMLNameCc() string {
	parts := strings.Split(t.XMLName(), "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// LegacyName is the {interfaceType.openejbLegacyName} template value.
func (t InterfaceType) LegacyName() string { return interfaceTypeNames[t].legacy }

// Remote reports whether remote callers may invoke the view.
func (t InterfaceType) Remote() bool { return t == BusinessRemote }

// ParseInterfaceType accepts the short, annotation, XML and legacy
// names, case-insensitively.
func ParseInterfaceType(s string) (InterfaceType, error) {
	for t, names := range interfaceTypeNames {
		for _, candidate := range []string{names.short, names.annotation, names.xml, names.legacy} {
			if strings.EqualFold(s, candidate) {
				return t, nil
			}
		}
	}
	return 0, fmt.Errorf("container: unknown interface type %q", s)
}

func (t InterfaceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *InterfaceType) UnmarshalText(text []byte) error {
	parsed, err := ParseInterfaceType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ComponentType is the kind of component.
type ComponentType int

const (
	Stateless ComponentType = iota + 1
	Stateful
	Singleton
)

func (t ComponentType) String() string {
	switch t {
	case Stateless:
		return "STATELESS"
	case Stateful:
		return "STATEFUL"
	case Singleton:
		return "SINGLETON"
	}
	return fmt.Sprintf("ComponentType(%d)", int(t))
}

// ParseComponentType parses STATELESS, STATEFUL or SINGLETON in any case.
func ParseComponentType(s string) (ComponentType, error) {
	for _, t := range []ComponentType{Stateless, Stateful, Singleton} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("container: unknown component type %q", s)
}

func (t ComponentType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ComponentType) UnmarshalText(text []byte) error {
	parsed, err := ParseComponentType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
