// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ejbd-project/ejbd/lib/cli"
	"github.com/ejbd-project/ejbd/lib/client"
	"github.com/ejbd-project/ejbd/lib/discovery"
	"github.com/ejbd-project/ejbd/lib/version"
)

func rootCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:    "ejbd-client",
		Summary: "Command-line client for ejbd servers.",
		Output:  env.stderr,
		Subcommands: []*cli.Command{
			serverCommand(env, "ping", "check that a server answers", "", runPing),
			serverCommand(env, "metadata", "show server version, fingerprint and realms", "", runMetadata),
			loginCommand(env),
			serverCommand(env, "lookup", "look up a name", "NAME", runLookup),
			serverCommand(env, "list", "list the bindings of a context", "[NAME]", runList),
			serverCommand(env, "invoke", "invoke a business method", "NAME METHOD [ARG...]", runInvoke),
			discoverCommand(env),
			{
				Name:    "version",
				Summary: "print version information",
				Run: func(context.Context, []string) error {
					fmt.Fprintf(env.stdout, "ejbd-client %s\n", version.Info())
					return nil
				},
			},
		},
	}
}

type serverRun func(ctx context.Context, env *environment, cl *client.Client, args []string) error

func serverCommand(env *environment, name, summary, usage string, run serverRun) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   strings.TrimSpace("ejbd-client " + name + " [flags] " + usage),
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cl, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer cl.Close()
			return run(ctx, env, cl, args)
		},
	}
}

func runPing(ctx context.Context, env *environment, cl *client.Client, args []string) error {
	if len(args) != 0 {
		return cli.Usagef("ping takes no arguments")
	}
	start := time.Now()
	if err := cl.Ping(ctx); err != nil {
		return remote(err)
	}
	fmt.Fprintf(env.stdout, "%s: ok (%s)\n", cl.Address(), time.Since(start).Round(time.Microsecond))
	return nil
}

func runMetadata(ctx context.Context, env *environment, cl *client.Client, args []string) error {
	if len(args) != 0 {
		return cli.Usagef("metadata takes no arguments")
	}
	metadata, err := cl.Metadata(ctx)
	if err != nil {
		return remote(err)
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", metadata.Version)
	fmt.Fprintf(tw, "protocol\t%s\n", metadata.Protocol)
	fmt.Fprintf(tw, "fingerprint\t%s\n", metadata.Fingerprint)
	fmt.Fprintf(tw, "realms\t%s\n", strings.Join(metadata.Realms, ", "))
	fmt.Fprintf(tw, "anonymous\t%t\n", metadata.Anonymous)
	fmt.Fprintf(tw, "server time\t%s\n", metadata.ServerTime.Format(time.RFC3339))
	return tw.Flush()
}

func loginCommand(env *environment) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "login",
		Summary: "verify credentials and show the resulting identity",
		Usage:   "ejbd-client login --user NAME [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if conn.user == "" {
				return cli.Usagef("login requires --user")
			}
			if len(args) != 0 {
				return cli.Usagef("login takes no arguments")
			}
			credentials, err := conn.credentials(env)
			if err != nil {
				return err
			}
			cl, err := client.DialURI(ctx, conn.server, client.Config{RequestTimeout: conn.timeout})
			if err != nil {
				return remote(err)
			}
			defer cl.Close()
			result, err := cl.Login(ctx, *credentials)
			if err != nil {
				return remote(err)
			}
			tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "subject\t%s\n", result.Subject)
			fmt.Fprintf(tw, "realm\t%s\n", result.Realm)
			fmt.Fprintf(tw, "groups\t%s\n", strings.Join(result.Groups, ", "))
			fmt.Fprintf(tw, "expires\t%s\n", result.Expires.Format(time.RFC3339))
			return tw.Flush()
		},
	}
}

func runLookup(ctx context.Context, env *environment, cl *client.Client, args []string) error {
	if len(args) != 1 {
		return cli.Usagef("lookup takes exactly one NAME")
	}
	value, err := cl.Lookup(ctx, args[0])
	if err != nil {
		return remote(err)
	}
	return describe(env, value)
}

func describe(env *environment, value any) error {
	switch value := value.(type) {
	case *client.EJBProxy:
		fmt.Fprintf(env.stdout, "business object %s\n", value)
		methods := slices.Clone(value.Methods)
		slices.Sort(methods)
		for _, method := range methods {
			fmt.Fprintf(env.stdout, "  %s\n", method)
		}
		return nil
	case *client.RemoteContext:
		fmt.Fprintf(env.stdout, "context %s\n", value.Name())
		return nil
	case *client.WebServiceRef:
		fmt.Fprintf(env.stdout, "web service %s!%s\n", value.DeploymentID, value.Interface)
		return printYAML(env, value.Properties)
	case *client.ResourceRef:
		fmt.Fprintf(env.stdout, "resource %s (%s)\n", value.ID, value.Type)
		return printYAML(env, value.Properties)
	}
	return printYAML(env, value)
}

func runList(ctx context.Context, env *environment, cl *client.Client, args []string) error {
	if len(args) > 1 {
		return cli.Usagef("list takes at most one NAME")
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	entries, err := cl.List(ctx, name)
	if err != nil {
		return remote(err)
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\n", entry.Name, entry.Kind)
	}
	return tw.Flush()
}

func runInvoke(ctx context.Context, env *environment, cl *client.Client, args []string) error {
	if len(args) < 2 {
		return cli.Usagef("invoke takes NAME METHOD [ARG...]")
	}
	value, err := cl.Lookup(ctx, args[0])
	if err != nil {
		return remote(err)
	}
	proxy, ok := value.(*client.EJBProxy)
	if !ok {
		return cli.Usagef("%s is not a business object", args[0])
	}
	arguments, err := parseArguments(args[2:])
	if err != nil {
		return cli.Usagef("%v", err)
	}
	result, err := proxy.Invoke(ctx, args[1], arguments...)
	if err != nil {
		return remote(err)
	}
	if result == nil {
		return nil
	}
	return printYAML(env, result)
}

// parseArguments decodes each argument as a YAML value.
func parseArguments(args []string) ([]any, error) {
	values := make([]any, len(args))
	for i, arg := range args {
		if err := yaml.Unmarshal([]byte(arg), &values[i]); err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i+1, arg, err)
		}
	}
	return values, nil
}

func printYAML(env *environment, value any) error {
	encoder := yaml.NewEncoder(env.stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return encoder.Close()
}

func discoverCommand(env *environment) *cli.Command {
	var (
		cfg     discovery.DiscoverConfig
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "discover",
		Summary: "find servers by multicast",
		Usage:   "ejbd-client discover [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("discover", pflag.ContinueOnError)
			flagSet.StringVar(&cfg.Address, "address", discovery.DefaultAddress, "multicast group and port")
			flagSet.StringVar(&cfg.Interface, "interface", "", "network interface name")
			flagSet.StringVar(&cfg.Group, "group", discovery.AnyGroup, `discovery group ("*" for any)`)
			flagSet.StringSliceVar(&cfg.Schemes, "scheme", nil, "only show URIs with these schemes")
			flagSet.DurationVar(&timeout, "timeout", 2*time.Second, "how long to listen for answers")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("discover takes no arguments")
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			services, err := discovery.Discover(ctx, cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
			for _, service := range services {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", service.URI, service.Group, service.Server)
			}
			return tw.Flush()
		},
	}
}
