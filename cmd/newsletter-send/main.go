// Command newsletter-send sends every sendable campaign once, one campaign
// after another, or on a cron schedule with -cron.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/ignite/newsletter-dispatch/internal/app"
	"github.com/ignite/newsletter-dispatch/internal/worker"
)

func main() {
	configPath := flag.String("config", app.DefaultConfigPath, "path to the YAML config")
	test := flag.Bool("test", false, "send to test contacts only; campaign status is not changed")
	campaignID := flag.String("campaign", "", "send only this campaign")
	schedule := flag.String("cron", "", "run on this cron schedule (e.g. \"*/5 * * * *\") instead of once")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, *configPath)
	if err != nil {
		log.Fatalf("[newsletter-send] %v", err)
	}
	defer rt.Close()

	if *schedule == "" {
		if err := sendOnce(ctx, rt, *campaignID, *test); err != nil {
			log.Printf("[newsletter-send] %v", err)
			rt.Close()
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(*schedule, func() {
		if err := sendOnce(ctx, rt, *campaignID, *test); err != nil {
			log.Printf("[newsletter-send] %v", err)
		}
	}); err != nil {
		log.Fatalf("[newsletter-send] invalid -cron %q: %v", *schedule, err)
	}
	c.Start()
	log.Printf("[newsletter-send] Scheduled on %q", *schedule)

	<-ctx.Done()
	log.Println("[newsletter-send] Shutting down, waiting for the running pass")
	<-c.Stop().Done()
}

// sendOnce runs the sequential dispatcher over one campaign or all of them.
func sendOnce(ctx context.Context, rt *app.Runtime, campaignID string, test bool) error {
	mailer := rt.NewMailer(test)
	if campaignID == "" {
		summaries, err := mailer.RunAll(ctx)
		for _, s := range summaries {
			report(ctx, rt, s)
		}
		return err
	}

	c, err := rt.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	summary, err := mailer.Run(ctx, c)
	report(ctx, rt, summary)
	return err
}

func report(ctx context.Context, rt *app.Runtime, s *worker.RunSummary) {
	if s == nil {
		return
	}
	log.Printf("[newsletter-send] %s", s)
	if s.Skipped {
		return
	}
	kind := "send"
	if s.Test {
		kind = "test"
	}
	rt.SaveReport(context.WithoutCancel(ctx), kind, s.CampaignID, s)
}
