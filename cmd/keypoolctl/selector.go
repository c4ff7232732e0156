package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	apperrors "github.com/spounge-ai/keypool/internal/errors"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

// selectorFlags are the ways a command can address keys. Exactly one must
// be set.
type selectorFlags struct {
	id      string
	secret  string
	owner   int64
	domains []string
	oneOf   []string
}

func addSelectorFlags(cmd *cobra.Command, f *selectorFlags) {
	cmd.Flags().StringVar(&f.id, "id", "", "key id")
	cmd.Flags().StringVar(&f.secret, "secret", "", "key secret")
	cmd.Flags().Int64Var(&f.owner, "owner", 0, "owner id")
	cmd.Flags().StringSliceVar(&f.domains, "domain", nil, "domain the keys must all carry (repeatable)")
	cmd.Flags().StringArrayVar(&f.oneOf, "one-of", nil, "comma separated domain set; any set may match (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("id", "secret", "owner", "domain", "one-of")
}

func (f *selectorFlags) selector(cmd *cobra.Command) (keypool.Selector, error) {
	flags := cmd.Flags()
	switch {
	case flags.Changed("id"):
		id, err := keypool.KeyIDFromString(f.id)
		if err != nil {
			return keypool.Selector{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
		}
		return keypool.ByID(id), nil
	case flags.Changed("secret"):
		if f.secret == "" {
			return keypool.Selector{}, fmt.Errorf("%w: empty secret", apperrors.ErrInvalidInput)
		}
		return keypool.BySecret(f.secret), nil
	case flags.Changed("owner"):
		return keypool.ByOwner(f.owner), nil
	case flags.Changed("domain"):
		return keypool.Has(toDomains(f.domains)...), nil
	case flags.Changed("one-of"):
		alternatives := make([][]keypool.Domain, 0, len(f.oneOf))
		for _, set := range f.oneOf {
			alternatives = append(alternatives, toDomains(strings.Split(set, ",")))
		}
		return keypool.OneOf(alternatives...), nil
	default:
		return keypool.Selector{}, fmt.Errorf("%w: one of --id, --secret, --owner, --domain or --one-of is required", apperrors.ErrInvalidInput)
	}
}

func toDomains(raw []string) []keypool.Domain {
	out := make([]keypool.Domain, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, keypool.Domain(s))
		}
	}
	return out
}
