// routerctl manages the job router topology the call center runs on.
//
//	routerctl -config=examples/callcenter/config.yaml provision
//	routerctl -config=examples/callcenter/config.yaml clean
//	routerctl -config=examples/callcenter/config.yaml status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/callcenter/pkg/callcenter"
	"github.com/harunnryd/callcenter/pkg/logging"
	"github.com/harunnryd/callcenter/pkg/workqueue"
)

func main() {
	configPath := flag.String("config", "examples/callcenter/config.yaml", "")
	timeout := flag.Duration("timeout", 2*time.Minute, "")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: routerctl [-config=...] provision|clean|status")
		os.Exit(2)
	}

	cfg, err := callcenter.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, flag.Arg(0), cfg, logger); err != nil {
		logger.Error("routerctl_failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, cfg callcenter.Config, logger *slog.Logger) error {
	router, err := callcenter.DefaultProviders().BuildRouter(cfg, logger)
	if err != nil {
		return err
	}
	p, ok := router.(workqueue.Provisioner)
	if !ok {
		return errors.New("router does not support provisioning")
	}
	q := workqueue.NewClient(router, workqueue.Options{}, logger)

	switch command {
	case "provision":
		dir, err := cfg.Directory()
		if err != nil {
			return err
		}
		if err := callcenter.Provision(ctx, p, dir, callcenter.ProvisionOptions{
			OfferExpiresAfter: time.Duration(cfg.Orchestrator.OfferExpiresAfterS) * time.Second,
		}); err != nil {
			return err
		}
		logger.Info("router_provisioned", "workers", len(dir.Workers()))
	case "clean":
		report, err := callcenter.Clean(ctx, q, p, logger)
		if err != nil {
			return err
		}
		logger.Info("router_cleaned",
			"jobs_deleted", report.JobsDeleted,
			"workers_reset", report.WorkersReset,
			"failures", len(report.Failures),
		)
		if len(report.Failures) > 0 {
			return errors.Join(report.Failures...)
		}
	case "status":
		jobs, err := q.ListJobs(ctx)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("job %s status=%s assignments=%d\n", j.ID, j.Status, len(j.Assignments))
		}
		workers, err := p.ListWorkers(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			fmt.Printf("worker %s state=%s available=%t capacity=%d labels=%v\n", w.ID, w.State, w.AvailableForOffers, w.Capacity, w.Labels)
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
