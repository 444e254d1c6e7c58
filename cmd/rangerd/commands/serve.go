package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/rangerd/rangerd/pkg/gate"
	"github.com/rangerd/rangerd/pkg/intake"
	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/publish"
	"github.com/rangerd/rangerd/pkg/ranger"
	"github.com/rangerd/rangerd/pkg/reconcile"
	"github.com/rangerd/rangerd/pkg/registry"
	"github.com/rangerd/rangerd/pkg/store"
	"github.com/rangerd/rangerd/pkg/synth"
	"github.com/rangerd/rangerd/pkg/telemetry"
	"github.com/rangerd/rangerd/pkg/workload"
)

// passHistoryKeep bounds the pass history retained in the store.
const passHistoryKeep = 512

func newServeCommand(version string) *cobra.Command {
	var tick time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation agent",
		Long: `Run the agent: restore persisted state, watch the declaration
directory, and reconcile the workload until interrupted.

The agent exposes an admin HTTP endpoint with /healthz, /status and
/metrics. A periodic tick re-runs reconciliation even without events so
external drift is corrected; the loop itself stays event-driven.`,
		Example: `  # Run with a YAML options file
  rangerd serve --options /etc/rangerd/options.yaml

  # Re-check for drift every minute
  rangerd serve --options options.cue --tick 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions("")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts, version, tick)
		},
	}

	cmd.Flags().DurationVar(&tick, "tick", 5*time.Minute, "periodic reconcile interval (0 disables)")

	return cmd
}

func runServe(ctx context.Context, opts *options.StaticOptions, version string, tick time.Duration) error {
	logger, metrics, tracer, err := buildTelemetry(opts, version)
	if err != nil {
		return err
	}
	if tracer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("tracer shutdown failed")
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"role":    string(opts.Role),
		"version": version,
	}).Info("rangerd starting")

	st, err := store.NewStore(store.Config{Path: opts.StateDB, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating state store: %w", err)
	}

	profile, err := ranger.ProfileFor(opts.Role)
	if err != nil {
		return err
	}
	reg := registry.New(registry.Config{
		Requirements: profile,
		Journal:      st,
		Logger:       logger,
		Metrics:      metrics,
	})
	deps, err := st.LoadDependencies(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted dependencies: %w", err)
	}
	if err := reg.Restore(deps); err != nil {
		return fmt.Errorf("restoring registry: %w", err)
	}

	synthesizer, err := synth.New(opts.Role)
	if err != nil {
		return err
	}
	transport, err := workload.TransportFor(ctx, *opts, logger)
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}
	defer transport.Close()
	controller, err := workload.NewController(workload.Config{
		Transport: transport,
		Store:     st,
		Root:      opts.WorkloadRoot,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("building workload controller: %w", err)
	}

	outbox, err := publish.NewOutbox(opts.OutboxDir)
	if err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}
	publisher, err := publish.NewPublisher(publish.Config{
		Sink:    outbox,
		Store:   st,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("building publisher: %w", err)
	}

	loopCfg := reconcile.Config{
		Registry:    reg,
		Synthesizer: synthesizer,
		Workload:    controller,
		Publisher:   publisher,
		Options:     *opts,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	}

	if opts.GatePolicyDir != "" || opts.RequireSecureLDAP {
		g, err := gate.NewGate(ctx, gate.Config{
			PolicyDir:         opts.GatePolicyDir,
			RequireSecureLDAP: opts.RequireSecureLDAP,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("building admission gate: %w", err)
		}
		loopCfg.Gate = g
	}

	syncGroups := newGroupSync(opts, reg, tracer, logger)

	// Group sync runs detached from the pass so a slow admin API cannot
	// hold up reconciliation; single-flight since it is idempotent.
	var syncInFlight atomic.Bool
	loopCfg.Observer = func(o reconcile.Outcome) {
		rec := store.PassRecord{
			ID:        o.PassID,
			Trigger:   o.Trigger,
			Status:    string(o.Status.Kind),
			Phase:     string(o.Phase),
			Detail:    o.Status.Message,
			Mutated:   o.Mutated,
			StartedAt: o.StartedAt,
			Duration:  o.Duration,
		}
		if err := st.RecordPass(ctx, rec); err != nil {
			logger.WithError(err).Warn("failed to record pass")
		} else if _, err := st.PrunePasses(ctx, passHistoryKeep); err != nil {
			logger.WithError(err).Debug("failed to prune pass history")
		}

		if o.Status.Kind == reconcile.StatusActive && syncGroups != nil {
			if syncInFlight.CompareAndSwap(false, true) {
				go func() {
					defer syncInFlight.Store(false)
					syncGroups(ctx)
				}()
			}
		}
	}

	loop, err := reconcile.New(loopCfg)
	if err != nil {
		return fmt.Errorf("building reconcile loop: %w", err)
	}

	watcher, err := intake.New(intake.Config{
		Dir:      opts.DeclDir,
		Registry: reg,
		Notifier: loop,
		Store:    st,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building declaration watcher: %w", err)
	}
	applied, err := watcher.Scan()
	if err != nil {
		return fmt.Errorf("scanning declarations: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"persisted": len(deps),
		"declared":  applied,
	}).Info("dependency state restored")

	server := newAdminServer(opts.AdminListen, loop, reg, st, metrics)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("admin server error")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- loop.Run(runCtx) }()
	go func() { errCh <- watcher.Run(runCtx) }()

	if tick > 0 {
		go func() {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					loop.Trigger(reconcile.TriggerPeriodic)
				}
			}
		}()
	}

	loop.Trigger(reconcile.TriggerStartup)
	logger.WithField("listen", opts.AdminListen).Info("rangerd running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin server shutdown failed")
	}

	logger.Info("rangerd stopped")
	return runErr
}

// newGroupSync builds the hook run after every active pass of the admin
// role: it pushes the seed membership document and each ready consumer's
// user-group-configuration through the admin REST API. Nil for roles
// without an admin API.
func newGroupSync(opts *options.StaticOptions, reg *registry.Registry, tracer *telemetry.Tracer, logger *telemetry.Logger) func(context.Context) {
	if opts.Role != options.RoleAdmin {
		return nil
	}

	syncer := ranger.NewGroupSyncer(ranger.SyncerConfig{
		BaseURL:  ranger.PolicyManagerURL(*opts),
		Username: "admin",
		Password: opts.RangerAdminPassword,
		Logger:   logger,
	})
	seedFile := opts.UserGroupSeedFile
	log := logger.NewComponentLogger("groupsync")

	return func(ctx context.Context) {
		if tracer != nil {
			spanCtx, span := tracer.StartSpan(ctx, "group-sync")
			ctx = spanCtx
			defer span.End()
		}

		syncDoc := func(source, raw string) {
			desired, err := ranger.ParseMembership(raw)
			if err != nil {
				log.WithError(err).WithField("source", source).Warn("skipping malformed membership document")
				return
			}
			result, err := syncer.Sync(ctx, desired)
			if err != nil {
				log.WithError(err).WithField("source", source).Warn("group sync failed")
				return
			}
			if result.Changed() {
				log.WithFields(map[string]interface{}{
					"source":              source,
					"users_created":       result.CreatedUsers,
					"groups_created":      result.CreatedGroups,
					"memberships_created": result.CreatedMemberships,
					"memberships_pruned":  result.PrunedMemberships,
				}).Info("group sync applied")
			}
		}

		if seedFile != "" {
			raw, err := os.ReadFile(seedFile)
			if err != nil {
				log.WithError(err).WithField("path", seedFile).Warn("failed to read membership seed")
			} else {
				syncDoc("seed", string(raw))
			}
		}

		for _, dep := range reg.Snapshot().ByKind(registry.KindDownstreamConsumer) {
			if !dep.State.IsReady() {
				continue
			}
			raw := dep.Attributes[ranger.AttrConsumerMembership]
			if raw == "" {
				continue
			}
			syncDoc(dep.ID, raw)
		}
	}
}
