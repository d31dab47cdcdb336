// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"

	"github.com/ejbd-project/ejbd/lib/container"
	"github.com/ejbd-project/ejbd/lib/security"
	"github.com/ejbd-project/ejbd/lib/transaction"
)

const (
	// AdminDeploymentID is the deployment id of the administration
	// component. Its remote view is bound as EjbdAdminRemote.
	AdminDeploymentID = "EjbdAdmin"

	// AdminRole may undeploy and revoke.
	AdminRole = "admin"
)

// DeploymentInfo describes one deployment to administrators.
type DeploymentInfo struct {
	ID      string   `cbor:"id"`
	EJBName string   `cbor:"ejb_name"`
	Type    string   `cbor:"type"`
	Views   []string `cbor:"views"`
	Names   []string `cbor:"names,omitempty"`
}

// ResourceInfo describes one resource to administrators.
type ResourceInfo struct {
	ID         string            `cbor:"id"`
	Type       string            `cbor:"type"`
	Properties map[string]string `cbor:"properties,omitempty"`

	// Sealed names the properties whose values are not shown.
	Sealed []string `cbor:"sealed,omitempty"`
}

// TransactionInfo is a snapshot of the transaction counters.
type TransactionInfo struct {
	Active     int    `cbor:"active"`
	Committed  uint64 `cbor:"committed"`
	RolledBack uint64 `cbor:"rolled_back"`
	TimedOut   uint64 `cbor:"timed_out"`
}

// ClusterInfo describes the discovery mesh as this node sees it.
type ClusterInfo struct {
	Node     string   `cbor:"node,omitempty"`
	Peers    []string `cbor:"peers,omitempty"`
	Services []string `cbor:"services,omitempty"`
}

// admin is the target of the administration component.
type admin struct {
	server *Server
}

func adminDeployment(s *Server) *container.Deployment {
	target := admin{server: s}
	return &container.Deployment{
		ID:      AdminDeploymentID,
		EJBName: AdminDeploymentID,
		Class:   "ejbd.Admin",
		Type:    container.Singleton,
		Views: []container.View{
			{Interface: "ejbd.Admin", Type: container.BusinessRemote, Target: target},
		},
		RolesAllowed: map[string][]string{
			"Undeploy": {AdminRole},
			"Tree":     {AdminRole},
		},
		TxAttributes: map[string]transaction.Attribute{container.AllMethods: transaction.NotSupported},
		Concurrent:   true,
	}
}

// Deployments lists every deployment with its public names.
func (a admin) Deployments() []DeploymentInfo {
	var infos []DeploymentInfo
	for _, d := range a.server.registry.Deployments() {
		info := DeploymentInfo{ID: d.ID, EJBName: d.EJBName, Type: d.Type.String()}
		for _, view := range d.Views {
			info.Views = append(info.Views, fmt.Sprintf("%s!%s", view.Interface, view.Type))
		}
		for _, name := range a.server.binder.Names(d.ID) {
			info.Names = append(info.Names, name.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// Resources lists the configured resources.
func (a admin) Resources() []ResourceInfo {
	var infos []ResourceInfo
	for _, id := range a.server.resources.IDs() {
		r, ok := a.server.resources.Get(id)
		if !ok {
			continue
		}
		infos = append(infos, ResourceInfo{
			ID:         r.ID,
			Type:       r.Type,
			Properties: r.Properties(),
			Sealed:     r.SecretNames(),
		})
	}
	return infos
}

// Transactions returns the transaction counters.
func (a admin) Transactions() TransactionInfo {
	stats := a.server.transactions.Stats()
	return TransactionInfo{
		Active:     stats.Active,
		Committed:  stats.Committed,
		RolledBack: stats.RolledBack,
		TimedOut:   stats.TimedOut,
	}
}

// Cluster returns the mesh peers and the services heard from them. It
// is empty when the mesh is not enabled.
func (a admin) Cluster() ClusterInfo {
	multipoint := a.server.Multipoint()
	if multipoint == nil {
		return ClusterInfo{}
	}
	return ClusterInfo{
		Node:     multipoint.Me(),
		Peers:    multipoint.Peers(),
		Services: multipoint.Tracker().Services(),
	}
}

// Whoami returns the caller's subject.
func (a admin) Whoami(ctx context.Context) security.Subject {
	subject, _ := security.FromContext(ctx)
	return *subject
}

// Tree renders the naming tree.
func (a admin) Tree() string { return a.server.root.Tree() }

// Undeploy removes a deployment. The administration component cannot
// remove itself.
func (a admin) Undeploy(deploymentID string) error {
	if deploymentID == AdminDeploymentID {
		return container.Application(fmt.Errorf("%s cannot be undeployed", AdminDeploymentID))
	}
	if err := a.server.Undeploy(deploymentID); err != nil {
		return container.Application(err)
	}
	return nil
}
