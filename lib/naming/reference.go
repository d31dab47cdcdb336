// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"fmt"
	"maps"
)

// ReferenceKind selects the object factory for a reference.
type ReferenceKind string

const (
	KindEJB             ReferenceKind = "ejb"
	KindWebService      ReferenceKind = "webservice"
	KindUserTransaction ReferenceKind = "usertransaction"
	KindResource        ReferenceKind = "resource"
	KindLookup          ReferenceKind = "lookup"
)

// Reference property names understood by the built-in factories.
const (
	PropDeploymentID  = "deployment-id"
	PropInterface     = "interface"
	PropInterfaceType = "interface-type"
	PropJNDIName      = "jndi-name"
	PropResourceID    = "resource-id"
)

// Reference is a binding resolved at lookup time.
type Reference struct {
	Kind       ReferenceKind
	Properties map[string]string

	// External marks a reference that crosses an isolation boundary.
	// Only then is the resolved value copied.
	External bool
}

// NewReference returns a reference of the given kind. Properties are
// given as alternating keys and values.
func NewReference(kind ReferenceKind, keyValues ...string) *Reference {
	if len(keyValues)%2 != 0 {
		panic("naming: NewReference needs key/value pairs")
	}
	properties := make(map[string]string, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		properties[keyValues[i]] = keyValues[i+1]
	}
	return &Reference{Kind: kind, Properties: properties}
}

// Property returns one property, or "".
func (r *Reference) Property(key string) string {
	return r.Properties[key]
}

// Clone returns a copy with its own property map.
func (r *Reference) Clone() *Reference {
	return &Reference{Kind: r.Kind, Properties: maps.Clone(r.Properties), External: r.External}
}

func (r *Reference) String() string {
	return fmt.Sprintf("Reference(%s %v external=%t)", r.Kind, r.Properties, r.External)
}

// Link is an alias. Looking it up looks up Name instead, relative to
// the context the lookup started from unless Name has a scheme.
type Link struct {
	Name string
}

// ObjectFactory turns a reference into the name of the binding it
// stands for.
type ObjectFactory interface {
	JNDIName(ref *Reference) (string, error)
}

// Copier is implemented by factories whose values need a specific copy
// when the reference is external.
type Copier interface {
	Copy(value any) (any, error)
}

// Copyable is implemented by values that know how to copy themselves
// across an isolation boundary, such as in-process component handles
// that cannot round-trip through CBOR.
type Copyable interface {
	CopyValue() any
}

// FactoryFunc adapts a function to ObjectFactory.
type FactoryFunc func(ref *Reference) (string, error)

func (f FactoryFunc) JNDIName(ref *Reference) (string, error) { return f(ref) }

func requireProperty(ref *Reference, key string) (string, error) {
	value := ref.Properties[key]
	if value == "" {
		return "", fmt.Errorf("naming: %s reference has no %q property", ref.Kind, key)
	}
	return value, nil
}

// EJBFactory resolves component references to the internal
// Deployment/ name of the view. A reference with only a jndi-name is
// resolved to that name.
type EJBFactory struct{}

func (EJBFactory) JNDIName(ref *Reference) (string, error) {
	deploymentID := ref.Properties[PropDeploymentID]
	if deploymentID == "" {
		if name := ref.Properties[PropJNDIName]; name != "" {
			return name, nil
		}
		return "", fmt.Errorf("naming: ejb reference needs %q or %q", PropDeploymentID, PropJNDIName)
	}
	iface, err := requireProperty(ref, PropInterface)
	if err != nil {
		return "", err
	}
	interfaceType := ref.Properties[PropInterfaceType]
	if interfaceType == "" {
		interfaceType = "Remote"
	}
	return DeploymentName(deploymentID, iface, interfaceType), nil
}

// WebServiceFactory resolves service endpoint references.
type WebServiceFactory struct{}

func (WebServiceFactory) JNDIName(ref *Reference) (string, error) {
	if name := ref.Properties[PropJNDIName]; name != "" {
		return name, nil
	}
	deploymentID, err := requireProperty(ref, PropDeploymentID)
	if err != nil {
		return "", err
	}
	return "WebService/" + deploymentID, nil
}

// UserTransactionFactory resolves to the user transaction. The user
// transaction is shared by every caller, so external references get
// the same instance.
type UserTransactionFactory struct{}

func (UserTransactionFactory) JNDIName(*Reference) (string, error) {
	return "UserTransaction", nil
}

func (UserTransactionFactory) Copy(value any) (any, error) {
	return value, nil
}

// ResourceFactory resolves resource references.
type ResourceFactory struct{}

func (ResourceFactory) JNDIName(ref *Reference) (string, error) {
	resourceID, err := requireProperty(ref, PropResourceID)
	if err != nil {
		return "", err
	}
	return "Resource/" + resourceID, nil
}

// LookupFactory resolves a reference to any absolute name. A jndi-name
// without a scheme is taken from the root of the tree.
type LookupFactory struct{}

func (LookupFactory) JNDIName(ref *Reference) (string, error) {
	name, err := requireProperty(ref, PropJNDIName)
	if err != nil {
		return "", err
	}
	if !HasScheme(name) {
		name = "java:" + name
	}
	return name, nil
}
