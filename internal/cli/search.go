package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
)

func newSearchCmd(env *cliEnv) *cobra.Command {
	var (
		f            review.Filter
		states       []string
		hasReviewers string
		pending      string
		asJSON       bool
		fields       []string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find reviews by keyword, author, participant or state",
		Long: `Find reviews. Filters combine with AND; repeated --state values match
any of them. Keywords match whole lowercased words of the description.

Examples:
  p4review search --author alice --state needsReview
  p4review search --keywords indexing --has-reviewers=true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range states {
				f.States = append(f.States, model.State(s))
			}
			var err error
			if f.HasReviewer, err = optionalBool("has-reviewers", hasReviewers); err != nil {
				return err
			}
			if f.Pending, err = optionalBool("pending", pending); err != nil {
				return err
			}
			if f.Limit < 0 {
				return fmt.Errorf("invalid limit %d", f.Limit)
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				reviews, err := s.engine.Search(ctx, f)
				if err != nil {
					return err
				}
				if asJSON || len(fields) > 0 {
					list := make([]map[string]any, 0, len(reviews))
					for _, rv := range reviews {
						list = append(list, reviewJSON(rv, fields))
					}
					return writeJSON(out(cmd), list)
				}
				if len(reviews) == 0 {
					fmt.Fprintln(out(cmd), "No reviews found.")
					return nil
				}
				printReviewList(out(cmd), reviews)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.Keywords, "keywords", "k", "", "description keywords")
	fl.StringVar(&f.Author, "author", "", "review author")
	fl.StringSliceVar(&f.Participants, "participant", nil, "participant (repeatable, all must match)")
	fl.StringSliceVar(&states, "state", nil, "state (repeatable, any may match)")
	fl.StringVar(&f.Project, "project", "", "project id")
	fl.StringVar(&f.TestStatus, "test-status", "", "test status")
	fl.StringVar(&f.Type, "type", "", "review type")
	fl.StringVar(&hasReviewers, "has-reviewers", "", "true or false")
	fl.StringVar(&pending, "pending", "", "true or false")
	fl.IntVarP(&f.Limit, "limit", "n", 0, "maximum results (0 is unlimited)")
	fl.BoolVar(&asJSON, "json", false, "print results as JSON")
	fl.StringSliceVarP(&fields, "fields", "f", nil, "only these fields (implies --json)")
	return cmd
}

func optionalBool(name, v string) (*bool, error) {
	switch v {
	case "":
		return nil, nil
	case "true", "1", "yes":
		b := true
		return &b, nil
	case "false", "0", "no":
		b := false
		return &b, nil
	}
	return nil, fmt.Errorf("invalid --%s value %q: want true or false", name, v)
}

func newUpgradeCmd(env *cliEnv) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Rewrite every stored review at the current record format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.run(cmd, func(ctx context.Context, s *session) error {
				n := concurrency
				if n <= 0 {
					n = s.cfg.Review.UpgradeConcurrency
				}
				count, err := s.engine.UpgradeAll(ctx, n)
				fmt.Fprintf(out(cmd), "Upgraded %d review(s)\n", count)
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "parallel upgrades (default review.upgrade_concurrency)")
	return cmd
}
