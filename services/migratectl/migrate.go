package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/primaryrutabaga/rule-migrator/pkg/boot"
	"github.com/primaryrutabaga/rule-migrator/pkg/lock"
	"github.com/primaryrutabaga/rule-migrator/pkg/metrics"
	"github.com/primaryrutabaga/rule-migrator/pkg/migration"
	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/store"
	"github.com/primaryrutabaga/rule-migrator/pkg/store/memstore"
	"github.com/primaryrutabaga/rule-migrator/pkg/store/postgres"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	outputText = "text"
	outputJSON = "json"
)

type migrateFlags struct {
	rules         string
	dryRun        bool
	createActions bool
	userID        int64
	concurrency   int
	store         string
	output        string
}

// ruleReport is the outcome of one rule.
type ruleReport struct {
	RuleID     int64                        `json:"rule_id"`
	Outcome    string                       `json:"outcome"`
	WorkflowID int64                        `json:"workflow_id,omitempty"`
	DetectorID int64                        `json:"detector_id,omitempty"`
	Skipped    []migration.SkippedCondition `json:"skipped,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

func newMigrateCmd() *cobra.Command {
	var f migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate every rule of a YAML rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.concurrency <= 0 {
				f.concurrency = cfg.Concurrency
			}
			return runMigrate(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.rules, "rules", "", "path to the YAML rule file")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "validate without writing anything")
	cmd.Flags().BoolVar(&f.createActions, "create-actions", false, "also migrate the rules' actions")
	cmd.Flags().Int64Var(&f.userID, "user-id", 0, "user recorded as the workflow creator")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "rules migrated in parallel (default MIGRATION_CONCURRENCY)")
	cmd.Flags().StringVar(&f.store, "store", storeMemory, "store backend: memory or postgres")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputText, "report format: text or json")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func runMigrate(ctx context.Context, f migrateFlags, out io.Writer) error {
	if f.output != outputText && f.output != outputJSON {
		return fmt.Errorf("unknown output %q", f.output)
	}
	file, err := readRuleFile(f.rules)
	if err != nil {
		return err
	}

	st, locker, closeStore, err := openStore(ctx, f.store, file)
	if err != nil {
		return err
	}
	defer closeStore()

	m := migration.New(st, locker,
		migration.WithLogger(logger),
		migration.WithLockTimeout(cfg.LockTimeout),
	)
	opts := migration.Options{DryRun: f.dryRun, CreateActions: f.createActions}
	if f.userID != 0 {
		opts.UserID = &f.userID
	}

	reports := migrateRules(ctx, m, file.Rules, opts, f.concurrency)
	if err := writeReports(out, f.output, reports); err != nil {
		return err
	}
	return summarize(reports)
}

func readRuleFile(path string) (*schemas.RuleFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer fh.Close()
	return schemas.DecodeRuleFile(fh)
}

// openStore returns the store and locker for backend. The memory store is
// seeded with the snoozes and migrated markers of file.
func openStore(ctx context.Context, backend string, file *schemas.RuleFile) (store.Store, lock.Locker, func(), error) {
	switch backend {
	case storeMemory:
		st := memstore.New()
		st.Seed(file)
		return st, lock.NewLocal(), func() {}, nil
	case storePostgres:
		url, err := boot.DatabaseURL(cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database url: %w", err)
		}
		pool, err := boot.ConnectPostgres(ctx, url)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if len(file.Snoozes) > 0 || len(file.Migrated) > 0 {
			logger.Printf("migrate: postgres store ignores snoozes and migrated markers in the rule file")
		}
		return postgres.New(pool), lock.NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", backend)
	}
}

// migrateRules runs every rule with at most concurrency in flight. Reports
// keep the order of rules.
func migrateRules(ctx context.Context, m *migration.Migrator, rules []schemas.Rule, opts migration.Options, concurrency int) []ruleReport {
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]ruleReport, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range rules {
		rule := &rules[i]
		g.Go(func() error {
			res, err := m.Migrate(gctx, rule, opts)
			reports[i] = report(rule.ID, res, err)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func report(ruleID int64, res *migration.Result, err error) ruleReport {
	r := ruleReport{RuleID: ruleID, Outcome: migration.Outcome(err)}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Skipped = res.Skipped
	if res.Workflow != nil {
		r.WorkflowID = res.Workflow.ID
	}
	if res.Detector != nil {
		r.DetectorID = res.Detector.ID
	}
	return r
}

func writeReports(w io.Writer, format string, reports []ruleReport) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		var err error
		switch {
		case r.Error != "":
			_, err = fmt.Fprintf(w, "rule=%d outcome=%s error=%q\n", r.RuleID, r.Outcome, r.Error)
		default:
			_, err = fmt.Fprintf(w, "rule=%d outcome=%s workflow=%d detector=%d skipped=%d\n", r.RuleID, r.Outcome, r.WorkflowID, r.DetectorID, len(r.Skipped))
			for _, s := range r.Skipped {
				if err == nil {
					_, err = fmt.Fprintf(w, "  skipped %s[%d] %s: %s\n", s.Group, s.Index, s.SpecID, s.Reason)
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// summarize returns an error when any rule did not migrate.
func summarize(reports []ruleReport) error {
	var failed, retryable int
	for _, r := range reports {
		switch r.Outcome {
		case metrics.OutcomeOK:
		case metrics.OutcomeRetry:
			retryable++
		default:
			failed++
		}
	}
	if failed+retryable > 0 {
		return fmt.Errorf("%d of %d rules not migrated (%d failed, %d retryable)", failed+retryable, len(reports), failed, retryable)
	}
	return nil
}
