package main

import (
	"github.com/spf13/cobra"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

func newAcquireCmd(a *app) *cobra.Command {
	var (
		sel        selectorFlags
		count      int
		showSecret bool
	)

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Charge capacity from the pool and print the keys",
		Long: `Acquire charges one use per returned key, exactly as a request would.
With --count the uses are spread over the least used keys and fewer keys
are returned when capacity runs out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			selector, err := sel.selector(cmd)
			if err != nil {
				return a.fail(ctx, "acquire", err)
			}
			storage, err := a.storage(ctx)
			if err != nil {
				return a.fail(ctx, "acquire", err)
			}

			var keys []*keypool.Key
			if count > 1 {
				keys, err = storage.AcquireManyKeys(ctx, selector, count)
			} else {
				var key *keypool.Key
				key, err = storage.AcquireKey(ctx, selector)
				keys = []*keypool.Key{key}
			}
			if err != nil {
				return a.fail(ctx, "acquire", err)
			}
			return printJSON(cmd, newKeyViews(keys, showSecret))
		},
	}
	addSelectorFlags(cmd, &sel)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of uses to acquire")
	cmd.Flags().BoolVar(&showSecret, "show-secrets", false, "print secrets unmasked")
	return cmd
}
