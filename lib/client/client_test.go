// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/daemon"
	"github.com/ejbd-project/ejbd/lib/ejbd"
	"github.com/ejbd-project/ejbd/lib/naming"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/testutil"
	"github.com/ejbd-project/ejbd/lib/transaction"
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

func (account) Close() {}

type staticRealm map[string][]string

func (staticRealm) Name() string { return "static" }

func (r staticRealm) Authenticate(_ context.Context, username, password string) (*security.Subject, error) {
	groups, ok := r[username]
	if !ok || password != username+"-pw" {
		return nil, security.ErrAuthenticationFailed
	}
	return &security.Subject{Name: username, Realm: "static", Groups: groups}, nil
}

// startServer serves one deployment, AccountBean, on an ephemeral port
// and returns its address.
func startServer(t *testing.T) string {
	t.Helper()
	logger := testutil.Logger(t)
	fake := clock.Fake(time.Now())
	registry := container.NewRegistry(container.RegistryConfig{
		Transactions: transaction.NewManager(fake, time.Minute, logger),
		Clock:        fake,
		Logger:       logger,
	})
	root := naming.New(naming.Options{})
	openejb, err := root.CreateSubcontext(naming.OpenEJB)
	if err != nil {
		t.Fatal(err)
	}
	binder, err := container.NewBinder(openejb, registry, container.BinderConfig{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	components, err := registry.Deploy(&container.Deployment{
		ID:      "AccountBean",
		EJBName: "AccountBean",
		Type:    container.Stateless,
		Views: []container.View{
			{Interface: "org.acme.Account", Type: container.BusinessRemote, Target: account{}},
		},
		DenyAll: []string{"Close"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := binder.Bind(components); err != nil {
		t.Fatal(err)
	}
	if err := root.Bind("openejb:remote/config/limit", 250); err != nil {
		t.Fatal(err)
	}

	keypair, err := security.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keypair.Close() })
	service, err := security.NewService(security.ServiceConfig{
		Realms:         []security.Realm{staticRealm{"alice": {"tellers"}}},
		Keypair:        keypair,
		AllowAnonymous: true,
		Clock:          fake,
		Logger:         logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	handler, err := ejbd.NewHandler(ejbd.Config{
		Registry: registry,
		Naming:   root,
		Security: service,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := daemon.New(daemon.Config{
		Name:    "ejbd",
		Network: "tcp",
		Address: "127.0.0.1:0",
		Handler: handler,
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d.Addr().String()
}

func dial(t *testing.T, address string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Address: address, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func lookupProxy(t *testing.T, c *Client, name string) *EJBProxy {
	t.Helper()
	value, err := c.Lookup(context.Background(), name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	proxy, ok := value.(*EJBProxy)
	if !ok {
		t.Fatalf("Lookup(%q) = %T, want *EJBProxy", name, value)
	}
	return proxy
}

func TestPingAndMetadata(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	metadata, err := c.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !metadata.Anonymous || len(metadata.Realms) != 1 {
		t.Errorf("metadata = %+v", metadata)
	}
}

func TestProxyInvocation(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()
	proxy := lookupProxy(t, c, "AccountBeanRemote")
	if !proxy.HasMethod("Withdraw") || proxy.InterfaceType != "Remote" {
		t.Errorf("proxy = %s, methods %v", proxy, proxy.Methods)
	}

	var sum int
	if err := proxy.Call(ctx, "Add", &sum, 40, 2); err != nil || sum != 42 {
		t.Fatalf("Add = %d, %v", sum, err)
	}
	generic, err := proxy.Invoke(ctx, "Withdraw", 30)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if fmt.Sprint(generic) != "70" {
		t.Errorf("Withdraw = %v", generic)
	}

	var application *ApplicationError
	if err := proxy.Call(ctx, "Withdraw", nil, 500); !errors.As(err, &application) || application.Message != "overdrawn" {
		t.Errorf("overdraw: err = %v", err)
	}
	if err := proxy.Call(ctx, "Close", nil); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("denied method: err = %v", err)
	}
	var system *SystemError
	if err := proxy.Call(ctx, "Nope", nil); !errors.As(err, &system) || system.Type != "NoSuchMethod" {
		t.Errorf("unknown method: err = %v", err)
	}
}

func TestLookupValuesAndFailures(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()

	value, err := c.Lookup(ctx, "config/limit")
	if err != nil || fmt.Sprint(value) != "250" {
		t.Errorf("config/limit = %v, %v", value, err)
	}

	sub, err := c.Lookup(ctx, "config")
	if err != nil {
		t.Fatal(err)
	}
	remote, ok := sub.(*RemoteContext)
	if !ok {
		t.Fatalf("config = %T, want *RemoteContext", sub)
	}
	if value, err := remote.Lookup(ctx, "limit"); err != nil || fmt.Sprint(value) != "250" {
		t.Errorf("config context limit = %v, %v", value, err)
	}
	classes, err := remote.List(ctx, "")
	if err != nil || len(classes) != 1 || classes[0].Name != "limit" {
		t.Errorf("List(config) = %+v, %v", classes, err)
	}

	_, err = c.Lookup(ctx, "NoSuchBean")
	var namingErr *NamingError
	if !errors.As(err, &namingErr) || !naming.IsNotFound(err) {
		t.Errorf("missing name: err = %v", err)
	}
}

func TestLoginSurvivesReconnect(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()
	proxy := lookupProxy(t, c, "AccountBeanRemote")

	var authErr *AuthenticationError
	if _, err := c.Login(ctx, Credentials{Username: "alice", Password: "wrong"}); !errors.As(err, &authErr) {
		t.Fatalf("bad login: err = %v", err)
	}
	result, err := c.Login(ctx, Credentials{Username: "alice", Password: "alice-pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Subject != "alice" || len(c.Token()) == 0 {
		t.Errorf("login result = %+v", result)
	}

	// Break the connection under the client.
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()
	if err := c.Ping(ctx); err == nil {
		t.Fatal("Ping on a closed connection succeeded")
	}

	var name string
	if err := proxy.Call(ctx, "Whoami", &name); err != nil || name != "alice" {
		t.Errorf("Whoami after reconnect = %q, %v", name, err)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := proxy.Call(ctx, "Whoami", &name); err != nil || name != security.AnonymousName {
		t.Errorf("Whoami after logout = %q, %v", name, err)
	}
}

func TestFederation(t *testing.T) {
	address := startServer(t)
	c := dial(t, address)
	ctx := context.Background()

	local := naming.New(naming.Options{})
	if err := local.Federate(c.Context()); err != nil {
		t.Fatalf("Federate: %v", err)
	}
	value, err := local.Lookup(ctx, "AccountBeanRemote")
	if err != nil {
		t.Fatalf("federated lookup: %v", err)
	}
	if _, ok := value.(*EJBProxy); !ok {
		t.Errorf("federated lookup = %T", value)
	}

	factory := NewURLFactory(Config{Logger: testutil.Logger(t)})
	t.Cleanup(func() { factory.Close() })
	if err := local.RegisterScheme("ejbd", factory); err != nil {
		t.Fatal(err)
	}
	value, err = local.Lookup(ctx, "ejbd://"+address+"/AccountBeanRemote")
	if err != nil {
		t.Fatalf("URL lookup: %v", err)
	}
	proxy, ok := value.(*EJBProxy)
	if !ok {
		t.Fatalf("URL lookup = %T", value)
	}
	var sum int
	if err := proxy.Call(ctx, "Add", &sum, 1, 2); err != nil || sum != 3 {
		t.Errorf("Add through URL proxy = %d, %v", sum, err)
	}
}

func TestClosedClient(t *testing.T) {
	c := dial(t, startServer(t))
	c.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close: err = %v", err)
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri, network, address string
		wantErr               bool
	}{
		{uri: "ejbd://127.0.0.1:4201", network: "tcp", address: "127.0.0.1:4201"},
		{uri: "localhost:4201", network: "tcp", address: "localhost:4201"},
		{uri: "ejbd+unix:///run/ejbd.sock", network: "unix", address: "/run/ejbd.sock"},
		{uri: "http://example.com", wantErr: true},
		{uri: "ejbd://", wantErr: true},
	}
	for _, test := range tests {
		network, address, err := ParseURI(test.uri)
		if (err != nil) != test.wantErr || network != test.network || address != test.address {
			t.Errorf("ParseURI(%q) = %q, %q, %v", test.uri, network, address, err)
		}
	}
}
