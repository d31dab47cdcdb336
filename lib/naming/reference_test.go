// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"errors"
	"testing"
)

type ledger struct {
	Owner   string
	Entries []int
}

type handle struct {
	id     string
	copies *int
}

func (h *handle) CopyValue() any {
	*h.copies++
	return &handle{id: h.id + "-copy", copies: h.copies}
}

func TestFactoryNames(t *testing.T) {
	tests := []struct {
		name    string
		factory ObjectFactory
		ref     *Reference
		want    string
	}{
		{"ejb", EJBFactory{}, NewReference(KindEJB, PropDeploymentID, "AccountBean", PropInterface, "bank.Account", PropInterfaceType, "Local"), "Deployment/AccountBean/bank.Account!Local"},
		{"ejb default type", EJBFactory{}, NewReference(KindEJB, PropDeploymentID, "AccountBean", PropInterface, "bank.Account"), "Deployment/AccountBean/bank.Account!Remote"},
		{"ejb by name", EJBFactory{}, NewReference(KindEJB, PropJNDIName, "java:global/bank/core/AccountBean"), "java:global/bank/core/AccountBean"},
		{"webservice", WebServiceFactory{}, NewReference(KindWebService, PropDeploymentID, "QuoteService"), "WebService/QuoteService"},
		{"webservice by name", WebServiceFactory{}, NewReference(KindWebService, PropJNDIName, "WebService/custom"), "WebService/custom"},
		{"user transaction", UserTransactionFactory{}, NewReference(KindUserTransaction), "UserTransaction"},
		{"resource", ResourceFactory{}, NewReference(KindResource, PropResourceID, "ledgerDB"), "Resource/ledgerDB"},
		{"lookup", LookupFactory{}, NewReference(KindLookup, PropJNDIName, "openejb/remote/x"), "java:openejb/remote/x"},
		{"lookup with scheme", LookupFactory{}, NewReference(KindLookup, PropJNDIName, "openejb:remote/x"), "openejb:remote/x"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.factory.JNDIName(test.ref)
			if err != nil {
				t.Fatalf("JNDIName: %v", err)
			}
			if got != test.want {
				t.Errorf("JNDIName = %q, want %q", got, test.want)
			}
		})
	}

	if _, err := (EJBFactory{}).JNDIName(NewReference(KindEJB)); err == nil {
		t.Error("ejb reference without properties resolved")
	}
	if _, err := (ResourceFactory{}).JNDIName(NewReference(KindResource)); err == nil {
		t.Error("resource reference without resource-id resolved")
	}
}

func TestReferenceResolution(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	target := &ledger{Owner: "alice", Entries: []int{1, 2}}
	mustBind(t, root, "openejb/"+DeploymentName("LedgerBean", "bank.Ledger", "Remote"), target)

	ref := NewReference(KindEJB, PropDeploymentID, "LedgerBean", PropInterface, "bank.Ledger")
	mustBind(t, root, "comp/env/ejb/Ledger", ref)

	value, err := root.Lookup(ctx, "java:comp/env/ejb/Ledger")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != target {
		t.Fatalf("internal reference returned %p, want the shared %p", value, target)
	}
}

func TestExternalReferenceIsCopied(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	target := &ledger{Owner: "bob", Entries: []int{10}}
	mustBind(t, root, "openejb/Resource/ledger", target)

	ref := NewReference(KindResource, PropResourceID, "ledger")
	ref.External = true
	mustBind(t, root, "comp/env/ledger", ref)

	value, err := root.Lookup(ctx, "java:comp/env/ledger")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	copied, ok := value.(*ledger)
	if !ok {
		t.Fatalf("external reference returned %T", value)
	}
	if copied == target {
		t.Fatal("external reference returned the shared value")
	}
	copied.Entries[0] = 99
	if target.Entries[0] != 10 {
		t.Error("mutating the copy changed the original")
	}
}

func TestExternalReferenceUsesCopyable(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	copies := 0
	mustBind(t, root, "openejb/"+DeploymentName("CartBean", "shop.Cart", "Remote"), &handle{id: "cart", copies: &copies})

	ref := NewReference(KindEJB, PropDeploymentID, "CartBean", PropInterface, "shop.Cart")
	ref.External = true
	mustBind(t, root, "comp/env/cart", ref)

	value, err := root.Lookup(ctx, "java:comp/env/cart")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value.(*handle).id != "cart-copy" || copies != 1 {
		t.Errorf("got %+v after %d copies, want cart-copy after 1", value, copies)
	}
}

func TestUserTransactionIsNeverCopied(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	shared := &ledger{Owner: "tx"}
	mustBind(t, root, "openejb/UserTransaction", shared)

	ref := NewReference(KindUserTransaction)
	ref.External = true
	mustBind(t, root, "comp/UserTransaction", ref)

	value, err := root.Lookup(ctx, "java:comp/UserTransaction")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if value != shared {
		t.Error("user transaction was copied")
	}
}

func TestReferenceChains(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	mustBind(t, root, "global/bank/core/AccountBean", "account")
	mustBind(t, root, "openejb/Resource/alias", NewReference(KindLookup, PropJNDIName, "global/bank/core/AccountBean"))
	mustBind(t, root, "comp/env/account", NewReference(KindResource, PropResourceID, "alias"))

	value, err := root.Lookup(ctx, "java:comp/env/account")
	if err != nil || value != "account" {
		t.Fatalf("chained reference = (%v, %v), want account", value, err)
	}
}

func TestReferenceFailures(t *testing.T) {
	ctx := context.Background()
	root := New(Options{})
	mustBind(t, root, "comp/env/broken", NewReference(KindResource, PropResourceID, "missing"))
	mustBind(t, root, "comp/env/odd", NewReference("enum"))

	_, err := root.Lookup(ctx, "java:comp/env/broken")
	if !IsNotFound(err) {
		t.Errorf("dangling reference = %v, want wrapped not found", err)
	}
	_, err = root.Lookup(ctx, "java:comp/env/odd")
	if !errors.Is(err, ErrNoFactory) {
		t.Errorf("unknown kind = %v, want ErrNoFactory", err)
	}

	root.RegisterFactory("enum", FactoryFunc(func(*Reference) (string, error) {
		return "java:comp/env/value", nil
	}))
	mustBind(t, root, "comp/env/value", "registered")
	if value, err := root.Lookup(ctx, "java:comp/env/odd"); err != nil || value != "registered" {
		t.Errorf("custom factory = (%v, %v)", value, err)
	}
}
