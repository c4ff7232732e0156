package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

func newDomainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Edit the domains of a key",
	}
	cmd.AddCommand(
		newDomainEditCmd(a, "add <domain>", "Add a domain to the first matching key", cobra.ExactArgs(1),
			func(ctx context.Context, s keypool.Storage, sel keypool.Selector, args []string) (*keypool.Key, error) {
				return s.AddDomainToKey(ctx, sel, keypool.Domain(args[0]))
			}),
		newDomainEditCmd(a, "remove <domain>", "Remove a domain from the first matching key", cobra.ExactArgs(1),
			func(ctx context.Context, s keypool.Storage, sel keypool.Selector, args []string) (*keypool.Key, error) {
				return s.RemoveDomainFromKey(ctx, sel, keypool.Domain(args[0]))
			}),
		newDomainEditCmd(a, "set <domain>...", "Replace the domains of the first matching key", cobra.MinimumNArgs(1),
			func(ctx context.Context, s keypool.Storage, sel keypool.Selector, args []string) (*keypool.Key, error) {
				return s.SetDomainsForKey(ctx, sel, toDomains(args))
			}),
	)
	return cmd
}

type domainEdit func(ctx context.Context, s keypool.Storage, sel keypool.Selector, args []string) (*keypool.Key, error)

func newDomainEditCmd(a *app, use, short string, nargs cobra.PositionalArgs, edit domainEdit) *cobra.Command {
	var sel selectorFlags

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  nargs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op := "domain " + cmd.Name()
			selector, err := sel.selector(cmd)
			if err != nil {
				return a.fail(ctx, op, err)
			}
			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, op, err)
			}
			key, err := edit(ctx, storage, selector, args)
			if err != nil {
				return a.fail(ctx, op, err)
			}
			return printJSON(cmd, newKeyView(key, false))
		},
	}
	addSelectorFlags(cmd, &sel)
	return cmd
}
