// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ejbd-project/ejbd/lib/clock"
	"github.com/ejbd-project/ejbd/lib/codec"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/transaction"
)

var errDivideByZero = errors.New("divide by zero")

type calculator struct{}

func (calculator) Add(a, b int) int { return a + b }

func (calculator) Divide(_ context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, Application(errDivideByZero)
	}
	return a / b, nil
}

func (calculator) Boom() { panic("boom") }

func (calculator) Fail() error { return errors.New("disk on fire") }

func (calculator) Whoami(ctx context.Context) string {
	subject, _ := security.FromContext(ctx)
	return subject.Name
}

func (calculator) InTransaction(ctx context.Context) bool {
	return transaction.FromContext(ctx) != nil
}

func (calculator) Audit() string { return "audited" }

func (calculator) Shutdown() {}

// Not invocable: three results.
func (calculator) Triple() (int, int, error) { return 0, 0, nil }

func calculatorDeployment() *Deployment {
	return &Deployment{
		ID:         "CalculatorBean",
		EJBName:    "CalculatorBean",
		ModuleName: "calc",
		Type:       Stateless,
		Views: []View{
			{Interface: "org.acme.Calculator", Type: BusinessRemote, Target: calculator{}},
			{Interface: "org.acme.CalculatorLocal", Type: BusinessLocal, Target: calculator{}},
		},
		RolesAllowed: map[string][]string{"Audit": {"auditors"}},
		DenyAll:      []string{"Shutdown"},
		TxAttributes: map[string]transaction.Attribute{"InTransaction": transaction.NotSupported},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRegistry(RegistryConfig{
		Transactions: transaction.NewManager(fake, time.Minute, nil),
		Clock:        fake,
	})
}

func deployCalculator(t *testing.T, registry *Registry) *Component {
	t.Helper()
	if _, err := registry.Deploy(calculatorDeployment()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	component, ok := registry.Component("CalculatorBean", BusinessRemote)
	if !ok {
		t.Fatal("remote component missing")
	}
	return component
}

func TestDeployValidation(t *testing.T) {
	registry := newTestRegistry(t)

	duplicateViews := calculatorDeployment()
	duplicateViews.Views[1].Type = BusinessRemote
	if _, err := registry.Deploy(duplicateViews); !errors.Is(err, ErrInvalidDeployment) {
		t.Errorf("two remote views: err = %v, want ErrInvalidDeployment", err)
	}

	if _, err := registry.Deploy(&Deployment{}); !errors.Is(err, ErrInvalidDeployment) {
		t.Errorf("empty deployment: err = %v", err)
	}

	deployCalculator(t, registry)
	if _, err := registry.Deploy(calculatorDeployment()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("redeploy: err = %v, want ErrDuplicate", err)
	}
	if got := len(registry.Deployments()); got != 1 {
		t.Errorf("Deployments() has %d entries", got)
	}
}

func TestMethodsSkipUnsupportedSignatures(t *testing.T) {
	registry := newTestRegistry(t)
	component := deployCalculator(t, registry)
	if _, ok := component.Method("Triple"); ok {
		t.Error("Triple should not be invocable")
	}
	divide, ok := component.Method("Divide")
	if !ok {
		t.Fatal("Divide missing")
	}
	if len(divide.Params()) != 2 || divide.Result().String() != "int" {
		t.Errorf("Divide params=%v result=%v", divide.Params(), divide.Result())
	}
}

func TestInvoke(t *testing.T) {
	registry := newTestRegistry(t)
	component := deployCalculator(t, registry)
	ctx := context.Background()

	result, err := registry.Invoke(ctx, component, "Add", 2, 3)
	if err != nil || result != 5 {
		t.Fatalf("Add = %v, %v", result, err)
	}

	encoded := func(v any) codec.RawMessage {
		data, err := codec.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return codec.RawMessage(data)
	}
	result, err = registry.InvokeEncoded(ctx, component, "Divide", []codec.RawMessage{encoded(9), encoded(3)})
	if err != nil || result != 3 {
		t.Fatalf("Divide = %v, %v", result, err)
	}

	if _, err := registry.Invoke(ctx, component, "Add", 1); !errors.Is(err, ErrBadArguments) {
		t.Errorf("wrong arity: err = %v", err)
	}
	if _, err := registry.Invoke(ctx, component, "Add", "x", 1); !errors.Is(err, ErrBadArguments) {
		t.Errorf("wrong type: err = %v", err)
	}
	if _, err := registry.Invoke(ctx, component, "Missing"); !errors.Is(err, ErrNoSuchMethod) {
		t.Errorf("missing method: err = %v", err)
	}
}

func TestInvokeErrorsAndTransactions(t *testing.T) {
	registry := newTestRegistry(t)
	component := deployCalculator(t, registry)
	ctx := context.Background()

	_, err := registry.Invoke(ctx, component, "Divide", 1, 0)
	var application *ApplicationError
	if !errors.As(err, &application) || !errors.Is(err, errDivideByZero) {
		t.Fatalf("Divide by zero: err = %v, want application error", err)
	}
	if stats := registry.Transactions().Stats(); stats.Committed != 1 {
		t.Errorf("application error: stats = %+v, want one commit", stats)
	}

	_, err = registry.Invoke(ctx, component, "Fail")
	var system *SystemError
	if !errors.As(err, &system) || system.Panic != nil {
		t.Fatalf("Fail: err = %v, want system error", err)
	}

	_, err = registry.Invoke(ctx, component, "Boom")
	if !errors.As(err, &system) || system.Panic != "boom" {
		t.Fatalf("Boom: err = %v, want recovered panic", err)
	}
	if stats := registry.Transactions().Stats(); stats.RolledBack != 2 {
		t.Errorf("system errors: stats = %+v, want two rollbacks", stats)
	}

	result, err := registry.Invoke(ctx, component, "InTransaction")
	if err != nil || result != false {
		t.Errorf("NotSupported method ran in a transaction: %v, %v", result, err)
	}
}

func TestInvokeSecurity(t *testing.T) {
	registry := newTestRegistry(t)
	component := deployCalculator(t, registry)

	anonymous := context.Background()
	result, err := registry.Invoke(anonymous, component, "Whoami")
	if err != nil || result != security.AnonymousName {
		t.Errorf("Whoami = %v, %v", result, err)
	}
	if _, err := registry.Invoke(anonymous, component, "Audit"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("anonymous Audit: err = %v", err)
	}

	auditor := security.NewContext(context.Background(), &security.Subject{Name: "ann", Groups: []string{"auditors"}})
	if result, err := registry.Invoke(auditor, component, "Audit"); err != nil || result != "audited" {
		t.Errorf("auditor Audit = %v, %v", result, err)
	}
	if _, err := registry.Invoke(auditor, component, "Shutdown"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("DenyAll method: err = %v", err)
	}
}

func TestUndeploy(t *testing.T) {
	registry := newTestRegistry(t)
	component := deployCalculator(t, registry)
	ref := NewLocalRef(registry, component)

	if err := registry.Undeploy("CalculatorBean"); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if _, err := ref.Invoke(context.Background(), "Add", 1, 2); !errors.Is(err, ErrNoSuchDeployment) {
		t.Errorf("Invoke after undeploy: err = %v", err)
	}
	if err := registry.Undeploy("CalculatorBean"); !errors.Is(err, ErrNoSuchDeployment) {
		t.Errorf("second Undeploy: err = %v", err)
	}
}

func TestObserve(t *testing.T) {
	var seen []Invocation
	registry := NewRegistry(RegistryConfig{Observe: func(i Invocation) { seen = append(seen, i) }})
	component := deployCalculator(t, registry)
	registry.Invoke(context.Background(), component, "Add", 1, 1)
	registry.Invoke(context.Background(), component, "Fail")
	if len(seen) != 2 || seen[0].Method != "Add" || seen[0].Err != nil || seen[1].Err == nil {
		t.Errorf("observed %+v", seen)
	}
}

func TestParseInterfaceType(t *testing.T) {
	for input, want := range map[string]InterfaceType{
		"Remote":           BusinessRemote,
		"business-local":   BusinessLocal,
		"localbean":        LocalBean,
		"Endpoint":         ServiceEndpoint,
		"BusinessRemote":   BusinessRemote,
		"service-endpoint": ServiceEndpoint,
	} {
		got, err := ParseInterfaceType(input)
		if err != nil || got != want {
			t.Errorf("ParseInterfaceType(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseInterfaceType("home"); err == nil {
		t.Error("home parsed")
	}
	if BusinessLocal.XMLNameCc() != "businessLocal" {
		t.Errorf("XMLNameCc = %q", BusinessLocal.XMLNameCc())
	}
}
