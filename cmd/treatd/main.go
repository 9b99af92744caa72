// Package main starts the treatd authority server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/authority/accounts"
	authhttp "github.com/protravka/protravka/authority/http"
	httptreat "github.com/protravka/protravka/http"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/metrics"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "treatd"
	apiRealm    = "treatd"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9004", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDump     = flag.Bool("dump", false, "dump API request bodies")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flOptions  = flag.String("storage-options", "", "storage backend options")
		flAccounts = flag.String("accounts", "", "path to accounts YAML file")
		flMetrics  = flag.Bool("metrics", true, "serve prometheus metrics at /metrics")
	)
	envflag.Parse("TREATD_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	// configure storage
	store, err := parseStorage(*flStorage, *flDSN, *flOptions)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	m := metrics.New()
	opts := []authority.Option{
		authority.WithLogger(logger.With("service", "authority")),
		authority.WithMetrics(m),
	}

	if *flAccounts != "" {
		accts, err := accounts.Load(*flAccounts, accounts.WithLogger(logger.With("service", "accounts")))
		if err != nil {
			logger.Info(logkeys.Message, "loading accounts", logkeys.Error, err)
			os.Exit(1)
		}
		opts = append(opts, authority.WithAccounts(accts))
		go func() {
			err := accts.Watch(context.Background())
			logs := []interface{}{logkeys.Message, "accounts watcher stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	svc := authority.New(store, opts...)

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flMetrics {
		mux.Handle("/metrics", m.Handler(), "GET")
	}

	mux.Group(func(mux *flow.Mux) {
		if *flAPIKey != "" {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})
		} else {
			logger.Info(logkeys.Message, "no API key set, API endpoints are unauthenticated")
		}
		if *flDump {
			mux.Use(func(h http.Handler) http.Handler {
				return httptreat.DumpHandler(h, os.Stdout)
			})
		}

		authhttp.HandleAPIv1("/v1", mux, logger, svc)
	})

	// seed for newTraceID
	rand.Seed(time.Now().UnixNano())

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
