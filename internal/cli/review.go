package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/p4review/internal/diff"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
	"github.com/sprite-ai/p4review/internal/tui"
)

func newCreateCmd(env *cliEnv) *cobra.Command {
	var (
		participants []string
		required     []string
		description  string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "create <change>",
		Short: "Start a review from a pending or committed change",
		Long: `Start a review from a changelist. The change's content becomes version 1
and the review id is the number of its canonical shelf.

Examples:
  p4review create 12345
  p4review create 12345 --participant bob --required carol`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			change, err := parseID(args[0], "change")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.CreateFromChange(ctx, change)
				if err != nil {
					return err
				}
				if description != "" {
					rv.SetDescription(description)
				}
				if err := rv.AddParticipants(participants...); err != nil {
					return err
				}
				for _, u := range required {
					if err := rv.AddParticipant(u, map[string]any{"required": true}); err != nil {
						return err
					}
				}
				if err := s.engine.UpdateFromChange(ctx, rv, change); err != nil {
					return err
				}
				if err := s.engine.Save(ctx, rv); err != nil {
					return err
				}
				return show(cmd, rv, asJSON, nil)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&participants, "participant", "p", nil, "add participants")
	f.StringSliceVarP(&required, "required", "r", nil, "add required reviewers")
	f.StringVarP(&description, "description", "d", "", "override the change description")
	f.BoolVar(&asJSON, "json", false, "print the review as JSON")
	return cmd
}

func show(cmd *cobra.Command, rv *review.Review, asJSON bool, fields []string) error {
	if asJSON {
		return writeJSON(out(cmd), reviewJSON(rv, fields))
	}
	printReview(out(cmd), rv)
	return nil
}

func newShowCmd(env *cliEnv) *cobra.Command {
	var (
		asJSON bool
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "show <review>",
		Short: "Print a review's versions, participants and votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				return show(cmd, rv, asJSON || len(fields) > 0, fields)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the review as JSON")
	cmd.Flags().StringSliceVarP(&fields, "fields", "f", nil, "only these fields (implies --json)")
	return cmd
}

func newUpdateCmd(env *cliEnv) *cobra.Command {
	var (
		unapprove bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "update <review> <change>",
		Short: "Record a reshelve or commit of a change as a new version",
		Long: `Record the current content of a change against a review. Identical
content amends the latest version; new content appends a version and makes
earlier votes stale.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			change, err := parseID(args[1], "change")
			if err != nil {
				return err
			}
			var opts []review.UpdateOption
			if cmd.Flags().Changed("unapprove-on-modify") {
				opts = append(opts, review.WithUnapproveOnModify(unapprove))
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				before := len(rv.Versions())
				if err := s.engine.UpdateFromChange(ctx, rv, change, opts...); err != nil {
					return err
				}
				if err := s.engine.Save(ctx, rv); err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out(cmd), reviewJSON(rv, nil))
				}
				if n := len(rv.Versions()); n > before {
					fmt.Fprintf(out(cmd), "Review %d: recorded v%d from change %d\n", id, n, change)
				} else {
					fmt.Fprintf(out(cmd), "Review %d: change %d matches v%d\n", id, change, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unapprove, "unapprove-on-modify", true, "move approved reviews back to needsReview on new content")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the review as JSON")
	return cmd
}

func newVoteCmd(env *cliEnv) *cobra.Command {
	var (
		version int
		clear   bool
	)
	cmd := &cobra.Command{
		Use:   "vote <review> <user> [up|down]",
		Short: "Record or clear a participant's vote",
		Long: `Record a vote against the latest version, or an explicit one with
--version. Values: up, down, +1, -1, 1.

Examples:
  p4review vote 12346 bob up
  p4review vote 12346 bob --clear`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			user := args[1]
			if !clear && len(args) != 3 {
				return errors.New("a vote value is required unless --clear is set")
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				switch {
				case clear:
					rv.ClearVote(user)
				case version > 0:
					err = rv.SetVoteAt(user, args[2], version)
				default:
					err = rv.SetVote(user, args[2])
				}
				if err != nil {
					return err
				}
				if err := s.engine.Save(ctx, rv); err != nil {
					return err
				}
				if v, ok := rv.Votes()[user]; ok {
					fmt.Fprintf(out(cmd), "Review %d: %s\n", id, formatVote(user, v))
				} else {
					fmt.Fprintf(out(cmd), "Review %d: cleared vote for %s\n", id, user)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "vote on this version instead of the latest")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the user's vote")
	return cmd
}

func newStateCmd(env *cliEnv) *cobra.Command {
	var opts review.CommitOptions
	cmd := &cobra.Command{
		Use:   "state <review> <state>",
		Short: "Change a review's state",
		Long: fmt.Sprintf(`Change a review's state. Known states: %s.
The pseudo state %q approves the review and commits it.`,
			strings.Join(stateNames(), ", "), review.TransitionApproveCommit),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				cl, err := s.engine.Transition(ctx, rv, args[1], opts)
				if cl != nil {
					fmt.Fprintf(out(cmd), "Review %d: committed change %d\n", id, cl.ID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Review %d: %s\n", id, rv.State().Label())
				return nil
			})
		},
	}
	addCommitFlags(cmd, &opts)
	return cmd
}

func stateNames() []string {
	var names []string
	for _, s := range model.States() {
		names = append(names, string(s))
	}
	return names
}

func addCommitFlags(cmd *cobra.Command, opts *review.CommitOptions) {
	cmd.Flags().BoolVar(&opts.CreditAuthor, "credit-author", false, "make the review author the owner of the committed change")
	cmd.Flags().StringVarP(&opts.Description, "description", "d", "", "commit description (defaults to the review's)")
}

func newCommitCmd(env *cliEnv) *cobra.Command {
	var opts review.CommitOptions
	cmd := &cobra.Command{
		Use:   "commit <review>",
		Short: "Submit the review's pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				cl, err := s.engine.Commit(ctx, rv, opts)
				if cl != nil {
					msg := fmt.Sprintf("Review %d: committed change %d", id, cl.ID)
					if orig := cl.Original(); orig != cl.ID {
						msg += fmt.Sprintf(" (renumbered from %d)", orig)
					}
					fmt.Fprintln(out(cmd), msg)
				}
				return err
			})
		},
	}
	addCommitFlags(cmd, &opts)
	return cmd
}

func newDiffCmd(env *cliEnv) *cobra.Command {
	var (
		from, to int
		stat     bool
		path     string
	)
	cmd := &cobra.Command{
		Use:   "diff <review>",
		Short: "Show the difference between two versions",
		Long: `Show the difference between two versions of a review. By default the
latest version is compared with the one before it; --from 0 compares with
the depot content the review is based on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				right := to
				if right == 0 {
					right = len(rv.Versions())
				}
				left := right - 1
				if cmd.Flags().Changed("from") {
					left = from
				}
				ds, err := s.engine.DiffVersions(ctx, rv, left, right)
				if err != nil {
					return err
				}
				if path != "" {
					ds = ds.Under(path)
				}
				if len(ds.Files) == 0 {
					fmt.Fprintln(out(cmd), "No changes.")
					return nil
				}
				if stat {
					printStat(out(cmd), ds)
					return nil
				}
				if path != "" {
					for _, f := range ds.Files {
						fmt.Fprintf(out(cmd), "%s +%d -%d\n", f.DepotPath(), f.AddedLines, f.DeletedLines)
					}
					return nil
				}
				printDiff(out(cmd), ds)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&from, "from", 0, "older version (0 is the depot base)")
	f.IntVar(&to, "to", 0, "newer version (default latest)")
	f.BoolVar(&stat, "stat", false, "print diff stats only")
	f.StringVar(&path, "path", "", "limit to files under a depot path, e.g. //depot/main/...")
	return cmd
}

func newDeleteCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <review>",
		Short: "Delete a review record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				if err := s.engine.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Review %d deleted\n", id)
				return nil
			})
		},
	}
}

func newBrowseCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "browse <review>",
		Short: "Browse a review's versions and diffs interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "review id")
			if err != nil {
				return err
			}
			return env.run(cmd, func(ctx context.Context, s *session) error {
				rv, err := s.engine.Fetch(ctx, id)
				if err != nil {
					return err
				}
				return tui.Run(rv, func(from, to int) (*diff.DiffSet, error) {
					return s.engine.DiffVersions(ctx, rv, from, to)
				})
			})
		},
	}
}
