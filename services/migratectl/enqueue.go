package main

import (
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/primaryrutabaga/rule-migrator/pkg/boot"
	"github.com/primaryrutabaga/rule-migrator/pkg/worker"
)

func newEnqueueCmd() *cobra.Command {
	var (
		rules         string
		dryRun        bool
		createActions bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish migration commands for every rule of a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := readRuleFile(rules)
			if err != nil {
				return err
			}

			seed, err := boot.FetchNATSSeed(cfg.VaultAddr, cfg.VaultToken, cfg.VaultNKEYPath)
			if err != nil {
				return fmt.Errorf("vault: %w", err)
			}
			var tlsMat *boot.TLSMaterial
			if cfg.RequiresTLS() {
				if tlsMat, err = boot.FetchNATSTLS(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTLSPath); err != nil {
					return fmt.Errorf("vault: %w", err)
				}
			}
			nc, err := boot.ConnectNATS(cfg, "rule-migratectl", seed, tlsMat)
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("nats: jetstream: %w", err)
			}
			ctx := cmd.Context()
			if err := worker.EnsureStreams(ctx, js); err != nil {
				return err
			}

			pub := worker.JetStreamPublisher{JS: js}
			for i := range file.Rules {
				subject, data, err := worker.NewMigrateCommand(worker.MigrateRequest{
					Rule:          &file.Rules[i],
					DryRun:        dryRun,
					CreateActions: createActions,
				})
				if err != nil {
					return err
				}
				if err := pub.Publish(ctx, subject, data); err != nil {
					return err
				}
			}
			logger.Printf("enqueue: published %d commands", len(file.Rules))
			return nil
		},
	}
	cmd.Flags().StringVar(&rules, "rules", "", "path to the YAML rule file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "ask the worker to validate only")
	cmd.Flags().BoolVar(&createActions, "create-actions", false, "also migrate the rules' actions")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}
