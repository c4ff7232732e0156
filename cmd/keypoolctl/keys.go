package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	apperrors "github.com/spounge-ai/keypool/internal/errors"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

type keyView struct {
	ID            string     `json:"id"`
	OwnerID       int64      `json:"owner_id"`
	Secret        string     `json:"secret"`
	Domains       []string   `json:"domains"`
	Uses          int        `json:"uses"`
	LastUsed      time.Time  `json:"last_used"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Flag          *int       `json:"flag,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newKeyView(k *keypool.Key, showSecret bool) keyView {
	v := keyView{
		ID:            k.ID.String(),
		OwnerID:       k.OwnerID,
		Secret:        maskSecret(k.Secret),
		Domains:       make([]string, len(k.Domains)),
		Uses:          k.Uses,
		LastUsed:      k.LastUsed,
		CooldownUntil: k.CooldownUntil,
		Flag:          k.Flag,
		CreatedAt:     k.CreatedAt,
	}
	if showSecret {
		v.Secret = k.Secret
	}
	for i, d := range k.Domains {
		v.Domains[i] = string(d)
	}
	return v
}

func newKeyViews(keys []*keypool.Key, showSecret bool) []keyView {
	out := make([]keyView, len(keys))
	for i, k := range keys {
		out[i] = newKeyView(k, showSecret)
	}
	return out
}

func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}

func newAddCmd(a *app) *cobra.Command {
	var domains []string

	cmd := &cobra.Command{
		Use:   "add <owner-id> <secret>",
		Short: "Store a key",
		Long: `Store a key for an owner. Storing a secret that already exists adds the
given domains to it and leaves its usage untouched.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			owner, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return a.fail(ctx, "add", fmt.Errorf("%w: owner id %q", apperrors.ErrInvalidInput, args[0]))
			}

			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, "add", err)
			}
			key, err := storage.StoreKey(ctx, owner, args[1], toDomains(domains))
			if err != nil {
				return a.fail(ctx, "add", err)
			}
			return printJSON(cmd, newKeyView(key, false))
		},
	}
	cmd.Flags().StringSliceVar(&domains, "domain", []string{string(keypool.DomainAll)}, "domains of the key (repeatable)")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var sel selectorFlags

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the first key matching a selector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			selector, err := sel.selector(cmd)
			if err != nil {
				return a.fail(ctx, "remove", err)
			}
			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, "remove", err)
			}
			key, err := storage.RemoveKey(ctx, selector)
			if err != nil {
				return a.fail(ctx, "remove", err)
			}
			return printJSON(cmd, newKeyView(key, false))
		},
	}
	addSelectorFlags(cmd, &sel)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var (
		sel        selectorFlags
		showSecret bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys matching a selector, all keys by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			selector := keypool.Has()
			if anySelectorFlag(cmd) {
				var err error
				if selector, err = sel.selector(cmd); err != nil {
					return a.fail(ctx, "list", err)
				}
			}

			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, "list", err)
			}
			keys, err := storage.ReadKeys(ctx, selector)
			if err != nil {
				return a.fail(ctx, "list", err)
			}
			return printJSON(cmd, newKeyViews(keys, showSecret))
		},
	}
	addSelectorFlags(cmd, &sel)
	cmd.Flags().BoolVar(&showSecret, "show-secrets", false, "print secrets unmasked")
	return cmd
}

func anySelectorFlag(cmd *cobra.Command) bool {
	for _, name := range []string{"id", "secret", "owner", "domain", "one-of"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func newTimeoutCmd(a *app) *cobra.Command {
	var sel selectorFlags

	cmd := &cobra.Command{
		Use:   "timeout <duration>",
		Short: "Exclude every matching key from allocation for a duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return a.fail(ctx, "timeout", fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err))
			}
			selector, err := sel.selector(cmd)
			if err != nil {
				return a.fail(ctx, "timeout", err)
			}
			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, "timeout", err)
			}
			if err := storage.TimeoutKey(ctx, selector, d); err != nil {
				return a.fail(ctx, "timeout", err)
			}
			return printJSON(cmd, map[string]string{"selector": selector.String(), "timeout": d.String()})
		},
	}
	addSelectorFlags(cmd, &sel)
	return cmd
}

func newFlagCmd(a *app) *cobra.Command {
	var sel selectorFlags

	cmd := &cobra.Command{
		Use:   "flag <code>",
		Short: "Apply the error-code table to a key as if a request failed with code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			code, err := strconv.Atoi(args[0])
			if err != nil {
				return a.fail(ctx, "flag", fmt.Errorf("%w: error code %q", apperrors.ErrInvalidInput, args[0]))
			}
			selector, err := sel.selector(cmd)
			if err != nil {
				return a.fail(ctx, "flag", err)
			}

			pool, err := a.container.Pool(ctx, nil)
			if err != nil {
				return a.fail(ctx, "flag", err)
			}
			key, err := pool.Storage().ReadKey(ctx, selector)
			if err != nil {
				return a.fail(ctx, "flag", err)
			}
			if key == nil {
				return a.fail(ctx, "flag", &keypool.KeyNotFoundError{Selector: selector})
			}
			retry, err := pool.FlagKey(ctx, key, code)
			if err != nil {
				return a.fail(ctx, "flag", err)
			}
			return printJSON(cmd, struct {
				ID    string `json:"id"`
				Code  int    `json:"code"`
				Retry bool   `json:"retry"`
			}{key.ID.String(), code, retry})
		},
	}
	addSelectorFlags(cmd, &sel)
	return cmd
}
