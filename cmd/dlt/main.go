package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docline/internal/config"
	"docline/internal/db"
	"docline/internal/domain"
	"docline/internal/engine"
	"docline/internal/migrate"
	"docline/internal/repo"
	"docline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dlt",
	Short: "Docline CLI",
	Long: `Docline tracks standards documents through their review lifecycle.
Core concepts:
- Workspace: the .docline directory holding the SQLite database; the state
  space registry lives in docline.yml next to it (built-in defaults apply
  when the file is absent).
- Document: a draft or status-change request, holding one state per
  applicable state type plus orthogonal tags.
- Event log: the append-only per-document history; every mutation appends
  exactly one event, and the document row is a replayable projection of it.
- Ballot: one approval round; reviewers hold one current position each and
  any discuss/block position blocks the outcome.
- Telechat: the next review-meeting date, derived from the latest
  scheduling event.
- Last call: a review window that a periodic sweep ('dlt last-call sweep')
  expires into the next lifecycle state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DOCLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(ballotCmd())
	rootCmd.AddCommand(telechatCmd())
	rootCmd.AddCommand(lastCallCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dbCmd())
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage documents"}
	doc.AddCommand(docCreateCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docShowCmd())
	doc.AddCommand(docStateCmd())
	doc.AddCommand(docTagsCmd())
	doc.AddCommand(docRevCmd())
	doc.AddCommand(docMetaCmd())
	doc.AddCommand(docCommentCmd())
	doc.AddCommand(docLogCmd())
	doc.AddCommand(docReplayCmd())
	doc.AddCommand(docStateAtCmd())
	return doc
}

func docCreateCmd() *cobra.Command {
	var opts engine.DocumentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				d, err := e.CreateDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "document name (e.g. draft-ietf-foo-bar)")
	cmd.Flags().StringVar(&opts.Type, "type", "draft", "document type (draft, statchg)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Rev, "rev", "00", "revision")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "stream")
	cmd.Flags().StringVar(&opts.Group, "group", "", "working group")
	cmd.Flags().StringVar(&opts.AD, "ad", "", "responsible AD")
	cmd.Flags().StringVar(&opts.IntendedLevel, "intended-level", "", "intended status level")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func docListCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Repo.ListDocuments(ctx, docType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Rev", "States"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Type, d.Rev, formatStates(d.States)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type filter")
	return cmd
}

func docShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func docStateCmd() *cobra.Command {
	var stateType, state string
	var tags []string
	var force bool
	cmd := &cobra.Command{
		Use:   "state <id-or-name>",
		Short: "Change document state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				opts := engine.StateChangeOptions{
					DocID:     d.ID,
					StateType: stateType,
					State:     state,
					ActorID:   viper.GetString("actor-id"),
					Force:     force,
				}
				if cmd.Flags().Changed("tags") {
					opts.ReplaceTags = &tags
				}
				d, err = e.SetState(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&stateType, "state-type", "", "state type (draft, draft-iesg, draft-rfceditor, statchg)")
	cmd.Flags().StringVar(&state, "state", "", "target state")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "replace the state type's tags")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the next-state graph")
	_ = cmd.MarkFlagRequired("state-type")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func docTagsCmd() *cobra.Command {
	var stateType string
	var add, remove []string
	cmd := &cobra.Command{
		Use:   "tags <id-or-name>",
		Short: "Add or remove tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				d, err = e.SetTags(ctx, d.ID, stateType, add, remove, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&stateType, "state-type", "", "state type")
	cmd.Flags().StringSliceVar(&add, "add", nil, "tags to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "tags to remove")
	_ = cmd.MarkFlagRequired("state-type")
	return cmd
}

func docRevCmd() *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "rev <id-or-name>",
		Short: "Record new revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				d, err = e.NewRevision(ctx, d.ID, rev, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "new revision")
	_ = cmd.MarkFlagRequired("rev")
	return cmd
}

func docMetaCmd() *cobra.Command {
	var field, value string
	cmd := &cobra.Command{
		Use:   "meta <id-or-name>",
		Short: "Change a metadata field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				d, err = e.UpdateMetadata(ctx, d.ID, field, value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field (title, ad, intended_level, stream)")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func docCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <id-or-name>",
		Short: "Add a comment to the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				evt, err := e.AddComment(ctx, d.ID, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func docLogCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "log <id-or-name>",
		Short: "Show document history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				events, err := e.EventsFor(ctx, d.ID, since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Actor", "Kind", "Description"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.ActorID, evt.Kind, evt.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "start after this sequence number")
	return cmd
}

func docReplayCmd() *cobra.Command {
	var upto int64
	cmd := &cobra.Command{
		Use:   "replay <id-or-name>",
		Short: "Rebuild projection from the event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				replayed, err := e.Replay(ctx, d.ID, upto)
				if err != nil {
					return err
				}
				return printJSONOrTable(replayed)
			})
		},
	}
	cmd.Flags().Int64Var(&upto, "upto", 0, "replay up to this sequence number (0 = all)")
	return cmd
}

func docStateAtCmd() *cobra.Command {
	var ts string
	cmd := &cobra.Command{
		Use:   "state-at <id-or-name>",
		Short: "States at a past instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return fmt.Errorf("--ts must be RFC3339: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				states, err := e.StateAsOf(ctx, d.ID, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(states)
			})
		},
	}
	cmd.Flags().StringVar(&ts, "ts", "", "instant (RFC3339)")
	_ = cmd.MarkFlagRequired("ts")
	return cmd
}

func ballotCmd() *cobra.Command {
	b := &cobra.Command{Use: "ballot", Short: "Manage ballots"}
	b.AddCommand(ballotOpenCmd())
	b.AddCommand(ballotListCmd())
	b.AddCommand(ballotPositionCmd())
	b.AddCommand(ballotPositionsCmd())
	b.AddCommand(ballotOutcomeCmd())
	b.AddCommand(ballotCloseCmd())
	b.AddCommand(ballotWriteupCmd())
	return b
}

func ballotOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <doc-id-or-name>",
		Short: "Open a ballot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				ballot, err := e.OpenBallot(ctx, d.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ballot)
			})
		},
	}
	return cmd
}

func ballotListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <doc-id-or-name>",
		Short: "List ballots of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				ballots, err := e.ListBallots(ctx, d.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ballots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Open", "Opened", "Closed", "Outcome"})
				for _, b := range ballots {
					tw.AppendRow(table.Row{b.ID, b.Open, b.OpenedAt, b.ClosedAt, b.Outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ballotPositionCmd() *cobra.Command {
	var reviewer, value string
	cmd := &cobra.Command{
		Use:   "position <ballot-id>",
		Short: "Record reviewer position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RecordPosition(ctx, args[0], reviewer, value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id")
	cmd.Flags().StringVar(&value, "value", "", fmt.Sprintf("position (%s)", strings.Join(domain.PositionValues(), ", ")))
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func ballotPositionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions <ballot-id>",
		Short: "Show current positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				positions, err := e.Positions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(positions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reviewer", "Position", "Updated"})
				for _, p := range positions {
					tw.AppendRow(table.Row{p.Reviewer, p.Value, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ballotOutcomeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcome <ballot-id>",
		Short: "Compute ballot outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Outcome(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"ballot_id": args[0], "outcome": outcome})
			})
		},
	}
	return cmd
}

func ballotCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <ballot-id>",
		Short: "Close a ballot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CloseBallot(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func ballotWriteupCmd() *cobra.Command {
	var text, file string
	cmd := &cobra.Command{
		Use:   "writeup <doc-id-or-name>",
		Short: "Save or show the approval writeup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				if text == "" && file != "" {
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					text = string(data)
				}
				if text == "" {
					current, err := e.BallotWriteup(ctx, d.ID)
					if err != nil {
						return err
					}
					fmt.Println(current)
					return nil
				}
				return e.SaveBallotWriteup(ctx, d.ID, text, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "writeup text")
	cmd.Flags().StringVar(&file, "file", "", "read writeup text from file")
	return cmd
}

func telechatCmd() *cobra.Command {
	tc := &cobra.Command{Use: "telechat", Short: "Manage telechat agenda"}
	tc.AddCommand(telechatShowCmd())
	tc.AddCommand(telechatSetCmd())
	return tc
}

func telechatShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <doc-id-or-name>",
		Short: "Show telechat assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				t, err := e.Telechat(ctx, d.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func telechatSetCmd() *cobra.Command {
	var date string
	var returning bool
	cmd := &cobra.Command{
		Use:   "set <doc-id-or-name>",
		Short: "Place, move or remove from the agenda",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				var explicit *bool
				if cmd.Flags().Changed("returning") {
					explicit = &returning
				}
				t, err := e.SetTelechat(ctx, d.ID, date, explicit, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "meeting date (empty removes from agenda)")
	cmd.Flags().BoolVar(&returning, "returning", false, "returning item flag")
	return cmd
}

func lastCallCmd() *cobra.Command {
	lc := &cobra.Command{Use: "last-call", Short: "Manage last-call review windows"}
	lc.AddCommand(lastCallRequestCmd())
	lc.AddCommand(lastCallExpiredCmd())
	lc.AddCommand(lastCallSweepCmd())
	return lc
}

func lastCallRequestCmd() *cobra.Command {
	var expires string
	var days int
	cmd := &cobra.Command{
		Use:   "request <doc-id-or-name>",
		Short: "Open a last-call window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t time.Time
			if expires != "" {
				parsed, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("--expires must be RFC3339: %w", err)
				}
				t = parsed
			} else {
				t = time.Now().AddDate(0, 0, days)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := resolveDocument(ctx, e, args[0])
				if err != nil {
					return err
				}
				d, err = e.RequestLastCall(ctx, d.ID, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&expires, "expires", "", "expiry instant (RFC3339)")
	cmd.Flags().IntVar(&days, "days", 14, "window length in days when --expires is not given")
	return cmd
}

func lastCallExpiredCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expired",
		Short: "List documents with an elapsed last call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.FindExpiredLastCalls(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func lastCallSweepCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every overdue last call",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := time.Now()
			if asOf != "" {
				parsed, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("--as-of must be RFC3339: %w", err)
				}
				t = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.FindExpiredLastCalls(ctx, t)
				if err != nil {
					return err
				}
				if err := e.SweepLastCalls(ctx, t, engine.SystemActor); err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "sweep as of this instant (RFC3339)")
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect the state space registry"}
	reg.AddCommand(registryShowCmd())
	reg.AddCommand(registryValidateCmd())
	return reg
}

func registryShowCmd() *cobra.Command {
	var docType string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the state space of a document type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if docType == "" {
					return printJSONOrTable(e.Registry.DocTypes())
				}
				stateTypes, err := e.Registry.ApplicableStateTypes(docType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string][]domain.State{}
					for _, st := range stateTypes {
						states, err := e.Registry.States(st.Key)
						if err != nil {
							return err
						}
						out[st.Key] = states
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State Type", "State", "Name", "Next"})
				for _, st := range stateTypes {
					states, err := e.Registry.States(st.Key)
					if err != nil {
						return err
					}
					for _, s := range states {
						tw.AppendRow(table.Row{st.Key, s.Key, s.Name, strings.Join(s.NextStates, ", ")})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	return cmd
}

func registryValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a registry config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace docline.yml)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"secret":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			})
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			e.Notifier = server.StartNotifier(e)
			jwtSecret := os.Getenv("DOCLINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Server.JWTSecret
			}
			if jwtSecret == "" && !allowLegacyActor {
				return fmt.Errorf("DOCLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: allowLegacyActor,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Docline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveDocument accepts either a document id or its unique name.
func resolveDocument(ctx context.Context, e engine.Engine, ref string) (domain.Document, error) {
	d, err := e.Document(ctx, ref)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, engine.ErrUnknownDocument) {
		return d, err
	}
	return e.DocumentByName(ctx, ref)
}

func formatStates(states map[string]string) string {
	parts := make([]string, 0, len(states))
	for st, s := range states {
		parts = append(parts, st+"="+s)
	}
	return strings.Join(parts, " ")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
