// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package ejbd

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/testutil"
	"github.com/ejbd-project/ejbd/lib/transaction"
	"github.com/ejbd-project/ejbd/lib/wire"
)

var errOverdrawn = errors.New("overdrawn")

type account struct{}

func (account) Add(a, b int) int { return a + b }

func (account) Withdraw(amount int) (int, error) {
	if amount > 100 {
		return 0, container.Application(errOverdrawn)
	}
	return 100 - amount, nil
}

func (account) Whoami(ctx context.Context) string {
	subject, _ := security.FromContext(ctx)
	return subject.Name
}

func (account) Audit() string { return "audited" }

func (account) Statement(lines int) string { return strings.Repeat("deposit 100\n", lines) }

func (account) Boom() { panic("boom") }

func (account) Close() {}

// staticRealm accepts each user with the password "<name>-pw".
type staticRealm map[string][]string

func (staticRealm) Name() string { return "static" }

func (r staticRealm) Authenticate(_ context.Context, username, password string) (*security.Subject, error) {
	groups, ok := r[username]
	if !ok || password != username+"-pw" {
		return nil, security.ErrAuthenticationFailed
	}
	return &security.Subject{Name: username, Realm: "static", Groups: groups}, nil
}

type countingRecorder struct {
	mu    sync.Mutex
	codes []string
}

func (r *countingRecorder) Request(requestType, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, requestType+"/"+code)
}

type fixture struct {
	handler  *Handler
	root     *naming.Context
	recorder *countingRecorder
}

func newFixture(t *testing.T, anonymous bool) *fixture {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	registry := container.NewRegistry(container.RegistryConfig{
		Transactions: transaction.NewManager(fake, time.Minute, nil),
		Clock:        fake,
	})
	root := naming.New(naming.Options{})
	openejb, err := root.CreateSubcontext(naming.OpenEJB)
	if err != nil {
		t.Fatal(err)
	}
	binder, err := container.NewBinder(openejb, registry, container.BinderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	components, err := registry.Deploy(&container.Deployment{
		ID:         "AccountBean",
		EJBName:    "AccountBean",
		ModuleName: "bank",
		Type:       container.Stateless,
		Views: []container.View{
			{Interface: "org.acme.Account", Type: container.BusinessRemote, Target: account{}},
			{Interface: "org.acme.AccountLocal", Type: container.BusinessLocal, Target: account{}},
		},
		RolesAllowed: map[string][]string{"Audit": {"auditors"}},
		DenyAll:      []string{"Close"},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := binder.Bind(components); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := root.Bind("openejb:remote/greeting", "hello"); err != nil {
		t.Fatal(err)
	}

	keypair, err := security.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keypair.Close() })
	service, err := security.NewService(security.ServiceConfig{
		Realms:         []security.Realm{staticRealm{"alice": {"auditors"}, "bob": nil}},
		Keypair:        keypair,
		AllowAnonymous: anonymous,
		Clock:          fake,
	})
	if err != nil {
		t.Fatal(err)
	}

	recorder := &countingRecorder{}
	handler, err := NewHandler(Config{
		Registry: registry,
		Naming:   root,
		Security: service,
		Recorder: recorder,
		Clock:    fake,
		Logger:   testutil.Logger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{handler: handler, root: root, recorder: recorder}
}

type testConn struct {
	t    *testing.T
	raw  net.Conn
	wire *wire.Conn
	done chan struct{}
	next uint64
}

// connect serves one side of a pipe and completes the handshake on
// the other.
func (f *fixture) connect(t *testing.T) *testConn {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		f.handler.ServeConn(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		testutil.RequireClosed(t, done, 5*time.Second, "handler exit")
	})

	client.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WritePreamble(client, wire.Current); err != nil {
		t.Fatalf("WritePreamble: %v", err)
	}
	peer, err := wire.ReadPreamble(client)
	if err != nil || peer != wire.Current {
		t.Fatalf("server preamble = %v, %v", peer, err)
	}
	return &testConn{t: t, raw: client, wire: wire.NewConn(client, wire.Options{}), done: done}
}

func (c *testConn) roundTrip(request *wire.Request) *wire.Response {
	c.t.Helper()
	c.next++
	request.ID = c.next
	c.raw.SetDeadline(time.Now().Add(5 * time.Second))
	if err := c.wire.Send(request); err != nil {
		c.t.Fatalf("Send: %v", err)
	}
	var response wire.Response
	if err := c.wire.Receive(&response); err != nil {
		c.t.Fatalf("Receive: %v", err)
	}
	if response.ID != request.ID {
		c.t.Fatalf("response id %d for request %d", response.ID, request.ID)
	}
	return &response
}

func (c *testConn) lookup(name string) *wire.Response {
	c.t.Helper()
	return c.roundTrip(&wire.Request{Type: wire.RequestJNDI, JNDI: &wire.JNDIRequest{Op: wire.JNDILookup, Name: name}})
}

func (c *testConn) invoke(method string, args ...any) *wire.Response {
	c.t.Helper()
	return c.invokeView("Remote", method, args...)
}

func (c *testConn) invokeView(interfaceType, method string, args ...any) *wire.Response {
	c.t.Helper()
	encoded := make([]codec.RawMessage, len(args))
	for i, arg := range args {
		data, err := codec.Marshal(arg)
		if err != nil {
			c.t.Fatal(err)
		}
		encoded[i] = data
	}
	return c.roundTrip(&wire.Request{Type: wire.RequestEJB, EJB: &wire.EJBRequest{
		DeploymentID:  "AccountBean",
		InterfaceType: interfaceType,
		Method:        method,
		Args:          encoded,
	}})
}

func requireCode(t *testing.T, response *wire.Response, want wire.ResponseCode) {
	t.Helper()
	if response.Code != want {
		t.Fatalf("code = %s (failure %v), want %s", response.Code, response.Failure, want)
	}
}

func decode[T any](t *testing.T, response *wire.Response) T {
	t.Helper()
	var value T
	if err := codec.Unmarshal(response.Result, &value); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return value
}

func TestPingAndMetadata(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestPing}), wire.PingOK)

	response := conn.roundTrip(&wire.Request{Type: wire.RequestMetadata})
	requireCode(t, response, wire.MetadataOK)
	metadata := response.Metadata
	if metadata.Protocol != wire.Current.String() || !metadata.Anonymous || len(metadata.Fingerprint) != 32 {
		t.Errorf("metadata = %+v", metadata)
	}
	if !slices.Equal(metadata.Realms, []string{"static"}) {
		t.Errorf("realms = %v", metadata.Realms)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	response := conn.lookup("AccountBeanRemote")
	requireCode(t, response, wire.JNDIBusinessObject)
	business := response.JNDI.Business
	if business.DeploymentID != "AccountBean" || business.InterfaceType != "Remote" ||
		business.Interface != "org.acme.Account" || business.ComponentType != "STATELESS" {
		t.Errorf("business object = %+v", business)
	}
	if !slices.Contains(business.Methods, "Withdraw") {
		t.Errorf("methods = %v", business.Methods)
	}

	requireCode(t, conn.lookup("java:global/bank/AccountBean!org.acme.Account"), wire.JNDIBusinessObject)
	requireCode(t, conn.lookup("global/bank/AccountBean!org.acme.Account"), wire.JNDIBusinessObject)

	// Local views are found but not handed out.
	notRemote := conn.lookup("java:global/bank/AccountBean!org.acme.AccountLocal")
	requireCode(t, notRemote, wire.JNDINamingError)
	if notRemote.Failure.Type != "NotRemote" {
		t.Errorf("local view failure = %+v", notRemote.Failure)
	}

	requireCode(t, conn.lookup("AccountBeanLocal"), wire.JNDINotFound)
	missing := conn.lookup("NoSuchBean")
	requireCode(t, missing, wire.JNDINotFound)
	if missing.Failure.Kind != wire.FailureNaming {
		t.Errorf("not-found failure kind = %s", missing.Failure.Kind)
	}

	// Internal subtrees are out of reach.
	requireCode(t, conn.lookup("openejb:Deployment/AccountBean/org.acme.Account!Remote"), wire.JNDINamingError)

	value := conn.lookup("greeting")
	requireCode(t, value, wire.JNDIOK)
	if got := decode[string](t, value); got != "hello" {
		t.Errorf("greeting = %q", got)
	}

	root := conn.lookup("")
	requireCode(t, root, wire.JNDIContext)
}

func TestList(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	response := conn.roundTrip(&wire.Request{Type: wire.RequestJNDI, JNDI: &wire.JNDIRequest{Op: wire.JNDIList}})
	requireCode(t, response, wire.JNDIOK)
	kinds := make(map[string]string)
	for _, entry := range response.JNDI.Entries {
		kinds[entry.Name] = entry.Kind
	}
	want := map[string]string{
		"AccountBeanRemote": EntryBusiness,
		"global":            EntryContext,
		"greeting":          EntryValue,
	}
	for name, kind := range want {
		if kinds[name] != kind {
			t.Errorf("entry %q kind = %q, want %q (all: %v)", name, kinds[name], kind, kinds)
		}
	}

	response = conn.roundTrip(&wire.Request{Type: wire.RequestJNDI, JNDI: &wire.JNDIRequest{Op: wire.JNDIList, Name: "nowhere"}})
	requireCode(t, response, wire.JNDINotFound)
}

func TestInvoke(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	sum := conn.invoke("Add", 20, 22)
	requireCode(t, sum, wire.EJBOK)
	if got := decode[int](t, sum); got != 42 {
		t.Errorf("Add = %d", got)
	}

	overdrawn := conn.invoke("Withdraw", 500)
	requireCode(t, overdrawn, wire.EJBAppException)
	if overdrawn.Failure.Kind != wire.FailureApplication || overdrawn.Failure.Message != "overdrawn" {
		t.Errorf("application failure = %+v", overdrawn.Failure)
	}

	boom := conn.invoke("Boom")
	requireCode(t, boom, wire.EJBSysException)
	if boom.Failure.Type != "Panic" {
		t.Errorf("panic failure = %+v", boom.Failure)
	}

	requireCode(t, conn.invoke("Close"), wire.EJBAccessDenied)
	requireCode(t, conn.invoke("Audit"), wire.EJBAccessDenied)
	requireCode(t, conn.invoke("Missing"), wire.EJBError)
	requireCode(t, conn.invoke("Add", "twenty", 22), wire.EJBError)
	requireCode(t, conn.invokeView("Local", "Add", 1, 2), wire.EJBError)
	requireCode(t, conn.invokeView("Bogus", "Add", 1, 2), wire.EJBError)

	// The connection survives every failure above.
	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestPing}), wire.PingOK)
}

func TestAuthenticationFlow(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	denied := conn.roundTrip(&wire.Request{Type: wire.RequestAuth, Credentials: &wire.Credentials{Username: "alice", Password: "nope"}})
	requireCode(t, denied, wire.AuthDenied)
	if denied.Failure.Kind != wire.FailureSecurity {
		t.Errorf("auth failure kind = %s", denied.Failure.Kind)
	}

	granted := conn.roundTrip(&wire.Request{Type: wire.RequestAuth, Credentials: &wire.Credentials{Username: "alice", Password: "alice-pw"}})
	requireCode(t, granted, wire.AuthGranted)
	if granted.Auth.Subject != "alice" || len(granted.Auth.Token) == 0 {
		t.Errorf("auth result = %+v", granted.Auth)
	}

	// The connection remembers the identity.
	if got := decode[string](t, conn.invoke("Whoami")); got != "alice" {
		t.Errorf("Whoami after login = %q", got)
	}
	requireCode(t, conn.invoke("Audit"), wire.EJBOK)

	// Inline credentials override it for one request.
	inline := conn.roundTrip(&wire.Request{
		Type:        wire.RequestEJB,
		Credentials: &wire.Credentials{Username: "bob", Password: "bob-pw"},
		EJB:         &wire.EJBRequest{DeploymentID: "AccountBean", InterfaceType: "Remote", Method: "Whoami"},
	})
	if got := decode[string](t, inline); got != "bob" {
		t.Errorf("Whoami with inline credentials = %q", got)
	}

	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestLogout}), wire.LogoutOK)
	if got := decode[string](t, conn.invoke("Whoami")); got != security.AnonymousName {
		t.Errorf("Whoami after logout = %q", got)
	}

	// The revoked token is refused when presented explicitly.
	revoked := conn.roundTrip(&wire.Request{Type: wire.RequestJNDI, Token: granted.Auth.Token,
		JNDI: &wire.JNDIRequest{Op: wire.JNDILookup, Name: "greeting"}})
	requireCode(t, revoked, wire.AuthDenied)
	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestLogout}), wire.LogoutFailed)
}

func TestAnonymousDisallowed(t *testing.T) {
	f := newFixture(t, false)
	conn := f.connect(t)

	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestPing}), wire.PingOK)
	denied := conn.lookup("AccountBeanRemote")
	requireCode(t, denied, wire.AuthDenied)
	if denied.Failure.Type != "AuthenticationRequired" {
		t.Errorf("failure = %+v", denied.Failure)
	}
	requireCode(t, conn.invoke("Add", 1, 2), wire.AuthDenied)

	withCredentials := conn.roundTrip(&wire.Request{
		Type:        wire.RequestJNDI,
		Credentials: &wire.Credentials{Username: "bob", Password: "bob-pw"},
		JNDI:        &wire.JNDIRequest{Op: wire.JNDILookup, Name: "AccountBeanRemote"},
	})
	requireCode(t, withCredentials, wire.JNDIBusinessObject)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)

	conn.raw.SetDeadline(time.Now().Add(5 * time.Second))
	if err := conn.wire.WriteFrame([]byte{0xff, 0xff}); err != nil {
		t.Fatal(err)
	}
	var response wire.Response
	if err := conn.wire.Receive(&response); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	requireCode(t, &response, wire.ProtocolError)
	testutil.RequireClosed(t, conn.done, 5*time.Second, "handler exit after bad frame")
	if _, err := conn.wire.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("read after bad frame: err = %v, want EOF", err)
	}
}

func TestOversizedResultKeepsConnection(t *testing.T) {
	f := newFixture(t, true)
	f.handler.options.MaxFrameSize = 4096
	if err := f.root.Bind("openejb:remote/ledger", strings.Repeat("x", 8192)); err != nil {
		t.Fatal(err)
	}
	conn := f.connect(t)

	statement := conn.invoke("Statement", 10)
	requireCode(t, statement, wire.EJBOK)
	if got := decode[string](t, statement); strings.Count(got, "\n") != 10 {
		t.Errorf("Statement(10) = %q", got)
	}

	oversized := conn.invoke("Statement", 1000)
	requireCode(t, oversized, wire.EJBSysException)
	if oversized.Failure.Type != "ResultTooLarge" || !strings.Contains(oversized.Failure.Message, "frame too large") {
		t.Errorf("failure = %+v", oversized.Failure)
	}

	ledger := conn.lookup("ledger")
	requireCode(t, ledger, wire.JNDINamingError)
	if ledger.Failure.Kind != wire.FailureNaming || ledger.Failure.Type != "ResultTooLarge" {
		t.Errorf("failure = %+v", ledger.Failure)
	}

	requireCode(t, conn.roundTrip(&wire.Request{Type: wire.RequestPing}), wire.PingOK)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	want := []string{"ejb/ejb_ok", "ejb/ejb_sys_exception", "jndi/jndi_naming_error", "ping/ping_ok"}
	if !slices.Equal(f.recorder.codes, want) {
		t.Errorf("recorded %v, want %v", f.recorder.codes, want)
	}
}

// stoppingConn runs stop just before the handler's second read
// deadline takes effect, the way a daemon Stop can land between the
// handler's loop check and its next deadline.
type stoppingConn struct {
	net.Conn
	stop  func()
	calls int
}

func (c *stoppingConn) SetReadDeadline(deadline time.Time) error {
	c.calls++
	if c.calls == 2 {
		c.stop()
	}
	return c.Conn.SetReadDeadline(deadline)
}

func TestStopBetweenRequestsEndsConnection(t *testing.T) {
	f := newFixture(t, true)
	f.handler.idleTimeout = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, client := net.Pipe()
	defer client.Close()
	conn := &stoppingConn{Conn: server, stop: func() {
		cancel()
		server.SetReadDeadline(time.Now())
	}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		f.handler.ServeConn(ctx, conn)
	}()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WritePreamble(client, wire.Current); err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadPreamble(client); err != nil {
		t.Fatal(err)
	}
	tc := &testConn{t: t, raw: client, wire: wire.NewConn(client, wire.Options{}), done: done}
	requireCode(t, tc.roundTrip(&wire.Request{Type: wire.RequestPing}), wire.PingOK)

	testutil.RequireClosed(t, done, 5*time.Second, "handler exit after cancellation")
}

func TestVersionMismatch(t *testing.T) {
	f := newFixture(t, true)
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		f.handler.ServeConn(context.Background(), server)
	}()
	defer client.Close()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WritePreamble(client, wire.Version{Major: wire.ProtocolMajor + 1}); err != nil {
		t.Fatal(err)
	}
	peer, err := wire.ReadPreamble(client)
	if err != nil || peer != wire.Current {
		t.Fatalf("server preamble = %v, %v", peer, err)
	}
	testutil.RequireClosed(t, done, 5*time.Second, "handler exit after version mismatch")
}

func TestRecorderSeesEveryResponse(t *testing.T) {
	f := newFixture(t, true)
	conn := f.connect(t)
	conn.roundTrip(&wire.Request{Type: wire.RequestPing})
	conn.lookup("NoSuchBean")
	conn.invoke("Add", 1, 1)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	want := []string{"ping/ping_ok", "jndi/jndi_not_found", "ejb/ejb_ok"}
	if !slices.Equal(f.recorder.codes, want) {
		t.Errorf("recorded %v, want %v", f.recorder.codes, want)
	}
}

func TestInternalName(t *testing.T) {
	tests := []struct {
		name, want string
		wantErr    bool
	}{
		{name: "AccountBeanRemote", want: "openejb:remote/AccountBeanRemote"},
		{name: "/AccountBeanRemote", want: "openejb:remote/AccountBeanRemote"},
		{name: "", want: "openejb:remote"},
		{name: "java:AccountBeanRemote", want: "openejb:remote/AccountBeanRemote"},
		{name: "java:global/app/mod/Bean", want: "openejb:global/global/app/mod/Bean"},
		{name: "java:global", want: "openejb:global/global"},
		{name: "global/app/mod/Bean!I", want: "openejb:remote/global/app/mod/Bean!I"},
		{name: "openejb:Deployment/x", wantErr: true},
		{name: "ejbd://host/x", wantErr: true},
	}
	for _, test := range tests {
		got, err := internalName(test.name)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("internalName(%q) = %q, %v", test.name, got, err)
		}
	}
}
