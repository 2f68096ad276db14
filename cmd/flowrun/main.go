// Command flowrun loads a flow document and drives run/stream/run_all/
// stream_all against it, the CLI surface for the flow facade described in
// spec.md §6. It configures a small set of flags/env vars directly, the
// teacher's plain-main, no-framework style (cmd/demo/main.go).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/actions"
	"github.com/flowgraph/engine/flow/blob"
	"github.com/flowgraph/engine/flow/cache/memstore"
	"github.com/flowgraph/engine/flow/cache/redisstore"
	"github.com/flowgraph/engine/flow/document"
	"github.com/flowgraph/engine/flow/facade"
	"github.com/flowgraph/engine/flow/telemetry"
)

func main() {
	var (
		docPath   = flag.String("doc", os.Getenv("FLOW_DOC"), "path to a flow document (YAML)")
		target    = flag.String("target", os.Getenv("FLOW_TARGET"), "target output path; empty uses default_output")
		mode      = flag.String("mode", "run", "one of: run, stream, run_all, stream_all")
		redisAddr = flag.String("redis-addr", os.Getenv("FLOW_REDIS_ADDR"), "Redis address for the cache backend; empty uses an in-memory store")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *docPath == "" {
		fmt.Fprintln(os.Stderr, "flowrun: -doc (or FLOW_DOC) is required")
		os.Exit(2)
	}

	doc, err := document.Load(*docPath)
	must(err)

	registry := action.NewRegistry()
	actions.RegisterAll(registry)

	opts := facade.Options{
		Registry: registry,
		Log:      chooseLogger(*debug),
		Metrics:  telemetry.NewClueMetrics(),
		Tracer:   telemetry.NewClueTracer(),
		Blobs:    blob.NewMemStore(),
		RedisURL: *redisAddr,
	}
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		opts.CacheRepo = redisstore.New(client, redisstore.Options{})
	} else {
		opts.CacheRepo = memstore.New()
	}

	fl, err := facade.New(doc, nil, opts)
	must(err)
	defer fl.Close()

	ctx := context.Background()
	switch *mode {
	case "run":
		v, err := fl.Run(ctx, *target, nil)
		must(err)
		printJSON(v)
	case "stream":
		for u := range fl.Stream(ctx, *target, nil) {
			if u.Err != nil {
				fmt.Fprintln(os.Stderr, "flowrun:", u.Err)
				os.Exit(1)
			}
			printJSON(u.Value)
		}
	case "run_all":
		for _, r := range fl.RunAll(ctx, nil) {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "flowrun: %s: %v\n", r.ID, r.Err)
				continue
			}
			fmt.Printf("%s: ", r.ID)
			printJSON(r.Value)
		}
	case "stream_all":
		for snap := range fl.StreamAll(ctx, nil) {
			if snap.Err != nil {
				fmt.Fprintln(os.Stderr, "flowrun:", snap.Err)
				continue
			}
			printJSON(snap.Values)
		}
	default:
		fmt.Fprintf(os.Stderr, "flowrun: unknown -mode %q\n", *mode)
		os.Exit(2)
	}
}

func chooseLogger(debug bool) telemetry.Logger {
	if debug {
		return telemetry.NewClueLogger()
	}
	return telemetry.NewNoopLogger()
}

func printJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(raw))
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun:", err)
		os.Exit(1)
	}
}
