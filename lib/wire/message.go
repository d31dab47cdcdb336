// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"time"

	"github.com/ejbd-project/ejbd/lib/codec"
)

// RequestType selects the handler for a request.
type RequestType uint8

const (
	RequestPing RequestType = iota + 1
	RequestMetadata
	RequestAuth
	RequestLogout
	RequestJNDI
	RequestEJB
)

func (t RequestType) String() string {
	switch t {
	case RequestPing:
		return "ping"
	case RequestMetadata:
		return "metadata"
	case RequestAuth:
		return "auth"
	case RequestLogout:
		return "logout"
	case RequestJNDI:
		return "jndi"
	case RequestEJB:
		return "ejb"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Request is one client frame.
type Request struct {
	ID   uint64      `cbor:"1,keyasint"`
	Type RequestType `cbor:"2,keyasint"`

	// Token is an identity token from a previous Auth response. It
	// authenticates JNDI and EJB requests and names the session to
	// end on Logout.
	Token []byte `cbor:"3,keyasint,omitempty"`

	// Credentials authenticate an Auth request, or a single JNDI or
	// EJB request when no token is held.
	Credentials *Credentials `cbor:"4,keyasint,omitempty"`

	JNDI *JNDIRequest `cbor:"5,keyasint,omitempty"`
	EJB  *EJBRequest  `cbor:"6,keyasint,omitempty"`
}

// Credentials are a username and password checked against a realm.
// An empty Realm selects the server's default realm.
type Credentials struct {
	Realm    string `cbor:"1,keyasint,omitempty"`
	Username string `cbor:"2,keyasint"`
	Password string `cbor:"3,keyasint"`
}

// JNDIOp is a naming operation.
type JNDIOp uint8

const (
	JNDILookup JNDIOp = iota + 1
	JNDIList
)

func (op JNDIOp) String() string {
	switch op {
	case JNDILookup:
		return "lookup"
	case JNDIList:
		return "list"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// JNDIRequest names an entry in the server's remote namespace.
type JNDIRequest struct {
	Op   JNDIOp `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// EJBRequest invokes one method on a deployed component.
type EJBRequest struct {
	DeploymentID string `cbor:"1,keyasint"`

	// InterfaceType selects the view, for example "BusinessRemote".
	InterfaceType string `cbor:"2,keyasint"`

	// Interface is the business interface name the client believes
	// it holds. When set it must match the deployed view.
	Interface string `cbor:"3,keyasint,omitempty"`

	Method string             `cbor:"4,keyasint"`
	Args   []codec.RawMessage `cbor:"5,keyasint,omitempty"`
}

// ResponseCode classifies a response.
type ResponseCode uint8

const (
	PingOK ResponseCode = iota + 1
	MetadataOK
	AuthGranted
	AuthDenied
	LogoutOK
	LogoutFailed
	JNDIOK
	JNDIBusinessObject
	JNDIContext
	JNDIWebService
	JNDIResource
	JNDINotFound
	JNDINamingError
	EJBOK
	EJBAppException
	EJBSysException
	EJBAccessDenied
	EJBError
	ProtocolError
)

var responseCodeNames = map[ResponseCode]string{
	PingOK:             "ping_ok",
	MetadataOK:         "metadata_ok",
	AuthGranted:        "auth_granted",
	AuthDenied:         "auth_denied",
	LogoutOK:           "logout_ok",
	LogoutFailed:       "logout_failed",
	JNDIOK:             "jndi_ok",
	JNDIBusinessObject: "jndi_business_object",
	JNDIContext:        "jndi_context",
	JNDIWebService:     "jndi_webservice",
	JNDIResource:       "jndi_resource",
	JNDINotFound:       "jndi_not_found",
	JNDINamingError:    "jndi_naming_error",
	EJBOK:              "ejb_ok",
	EJBAppException:    "ejb_app_exception",
	EJBSysException:    "ejb_sys_exception",
	EJBAccessDenied:    "ejb_access_denied",
	EJBError:           "ejb_error",
	ProtocolError:      "protocol_error",
}

func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// Response is one server frame.
type Response struct {
	ID   uint64       `cbor:"1,keyasint"`
	Code ResponseCode `cbor:"2,keyasint"`

	// Result is the CBOR-encoded return value of an EJB invocation or
	// the value found by a JNDI lookup of a plain binding.
	Result codec.RawMessage `cbor:"3,keyasint,omitempty"`

	Failure  *Failure        `cbor:"4,keyasint,omitempty"`
	Auth     *AuthResult     `cbor:"5,keyasint,omitempty"`
	JNDI     *JNDIResult     `cbor:"6,keyasint,omitempty"`
	Metadata *ServerMetadata `cbor:"7,keyasint,omitempty"`
}

// FailureKind is the category of a failed request.
type FailureKind string

const (
	FailureNaming      FailureKind = "naming"
	FailureSecurity    FailureKind = "security"
	FailureApplication FailureKind = "application"
	FailureSystem      FailureKind = "system"
	FailureProtocol    FailureKind = "protocol"
)

// Failure describes why a request failed.
type Failure struct {
	Kind FailureKind `cbor:"1,keyasint"`

	// Type is a stable identifier for the specific failure: the
	// application error code, or names such as "NameNotFound" and
	// "AuthenticationFailed".
	Type string `cbor:"2,keyasint,omitempty"`

	Message string `cbor:"3,keyasint,omitempty"`

	// Detail carries the CBOR-encoded payload of an application
	// error, when it has one.
	Detail codec.RawMessage `cbor:"4,keyasint,omitempty"`
}

func (f *Failure) Error() string {
	if f.Type != "" {
		return fmt.Sprintf("%s error %s: %s", f.Kind, f.Type, f.Message)
	}
	return fmt.Sprintf("%s error: %s", f.Kind, f.Message)
}

// AuthResult is returned with AuthGranted.
type AuthResult struct {
	Token   []byte    `cbor:"1,keyasint"`
	Subject string    `cbor:"2,keyasint"`
	Realm   string    `cbor:"3,keyasint,omitempty"`
	Groups  []string  `cbor:"4,keyasint,omitempty"`
	Expires time.Time `cbor:"5,keyasint"`
}

// JNDIResult describes what a JNDI request found. Exactly one field is
// set, matching the response code.
type JNDIResult struct {
	Business   *BusinessObject `cbor:"1,keyasint,omitempty"`
	Context    *ContextInfo    `cbor:"2,keyasint,omitempty"`
	WebService *WebServiceInfo `cbor:"3,keyasint,omitempty"`
	Resource   *ResourceInfo   `cbor:"4,keyasint,omitempty"`

	// Entries answers a List request.
	Entries []Entry `cbor:"5,keyasint,omitempty"`
}

// BusinessObject is everything a client needs to build a proxy.
type BusinessObject struct {
	DeploymentID  string   `cbor:"1,keyasint"`
	InterfaceType string   `cbor:"2,keyasint"`
	Interface     string   `cbor:"3,keyasint"`
	ComponentType string   `cbor:"4,keyasint"`
	Methods       []string `cbor:"5,keyasint,omitempty"`
}

// ContextInfo is returned when a lookup names a subcontext.
type ContextInfo struct {
	Name string `cbor:"1,keyasint"`
}

// WebServiceInfo locates a service endpoint.
type WebServiceInfo struct {
	DeploymentID string            `cbor:"1,keyasint"`
	Interface    string            `cbor:"2,keyasint,omitempty"`
	Properties   map[string]string `cbor:"3,keyasint,omitempty"`
}

// ResourceInfo describes a server-side resource. Sealed properties are
// never included.
type ResourceInfo struct {
	ID         string            `cbor:"1,keyasint"`
	Type       string            `cbor:"2,keyasint"`
	Properties map[string]string `cbor:"3,keyasint,omitempty"`
}

// Entry is one name in a List response.
type Entry struct {
	Name string `cbor:"1,keyasint"`

	// Kind is "context", "business", "webservice", "resource",
	// "link" or "value".
	Kind string `cbor:"2,keyasint"`
}

// ServerMetadata answers a Metadata request.
type ServerMetadata struct {
	Version     string    `cbor:"1,keyasint"`
	Protocol    string    `cbor:"2,keyasint"`
	Fingerprint string    `cbor:"3,keyasint"`
	Realms      []string  `cbor:"4,keyasint,omitempty"`
	Anonymous   bool      `cbor:"5,keyasint"`
	ServerTime  time.Time `cbor:"6,keyasint"`
}
