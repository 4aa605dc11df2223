// Command newsletter-dispatcher runs one round-robin dispatcher per server
// until it receives SIGINT or SIGTERM, and serves the ops API meanwhile.
//
// Exit codes: 0 after a clean stop, 1 when a dispatcher fails (lost its
// connection or its lock), 2 on bad usage or when another process already
// dispatches one of the servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/api"
	"github.com/ignite/newsletter-dispatch/internal/app"
	"github.com/ignite/newsletter-dispatch/internal/pkg/distlock"
	"github.com/ignite/newsletter-dispatch/internal/worker"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", app.DefaultConfigPath, "path to the YAML config")
	servers := flag.String("server", "", "comma-separated server IDs to dispatch")
	test := flag.Bool("test", false, "send to test contacts only; campaign status is not changed")
	noHTTP := flag.Bool("no-http", false, "do not serve the ops API")
	flag.Parse()

	ids := splitIDs(*servers)
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "newsletter-dispatcher: -server is required")
		flag.Usage()
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, *configPath)
	if err != nil {
		log.Printf("[dispatcher] %v", err)
		return exitFatal
	}
	defer rt.Close()

	ttl := rt.Config.Redis.LockTTL()
	var (
		dispatchers []*worker.RoundRobinDispatcher
		releases    []func()
	)
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	lost := make(chan string, len(ids))
	for _, id := range ids {
		lock := distlock.New(rt.Redis, rt.DB, distlock.ServerKey(id), ttl)
		release, lockLost, err := distlock.Hold(ctx, lock, ttl)
		if errors.Is(err, distlock.ErrHeld) {
			log.Printf("[dispatcher] Server %s is already dispatched by another process", id)
			return exitUsage
		}
		if err != nil {
			log.Printf("[dispatcher] Lock server %s: %v", id, err)
			return exitFatal
		}
		releases = append(releases, release)
		go func(id string) {
			select {
			case <-lockLost:
				lost <- id
			case <-ctx.Done():
			}
		}(id)

		dispatchers = append(dispatchers, worker.NewRoundRobinDispatcher(id, rt.Campaigns, rt.Builder, rt.Transport, rt.Options(*test)))
	}

	var httpServer *api.Server
	if !*noHTTP {
		providers := make([]api.StatusProvider, len(dispatchers))
		for i, d := range dispatchers {
			providers[i] = d
		}
		httpServer = api.NewServer(api.Deps{
			Campaigns:      rt.Campaigns,
			Tester:         rt.TestSender(),
			Dispatchers:    providers,
			Health:         api.NewHealthChecker(rt.DB, rt.Redis, rt.Reports, providers),
			AllowedOrigins: rt.Config.HTTP.AllowedOrigins,
		})
		go func() {
			addr := rt.Config.HTTP.Addr()
			log.Printf("[dispatcher] Ops API on %s", addr)
			if err := httpServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[dispatcher] Ops API: %v", err)
			}
		}()
	}

	// Canceled on every exit path, including dispatchers whose Run has not
	// started yet.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errs := make(chan error, len(dispatchers))
	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func(d *worker.RoundRobinDispatcher) {
			defer wg.Done()
			if err := d.Run(runCtx); err != nil {
				errs <- fmt.Errorf("server %s: %w", d.Snapshot().ServerID, err)
			}
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		log.Println("[dispatcher] Shutting down...")
	case err := <-errs:
		log.Printf("[dispatcher] %v", err)
		code = exitFatal
	case id := <-lost:
		log.Printf("[dispatcher] Lost the lock on server %s, stopping", id)
		code = exitFatal
	case <-done:
	}

	cancelRun()
	for _, d := range dispatchers {
		d.Stop()
	}
	<-done
	close(errs)
	for err := range errs {
		log.Printf("[dispatcher] %v", err)
		code = exitFatal
	}

	for _, d := range dispatchers {
		snap := d.Snapshot()
		rt.SaveReport(context.Background(), "dispatch", snap.ServerID, snap)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[dispatcher] Ops API shutdown: %v", err)
		}
	}
	log.Printf("[dispatcher] Stopped (exit %d)", code)
	return code
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
