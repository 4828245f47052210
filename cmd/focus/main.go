/*
Copyright 2023 The Millrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/millrace/focus/pkg/bridge"
	"github.com/millrace/focus/pkg/colibri/rest"
	"github.com/millrace/focus/pkg/conference"
	"github.com/millrace/focus/pkg/config"
	"github.com/millrace/focus/pkg/focus"
	"github.com/millrace/focus/pkg/telemetry"
	"github.com/millrace/focus/pkg/xmppclient"
	"github.com/millrace/focus/pkg/xmuc"
)

func main() {
	configFilePath := flag.String("config", "config.yaml", "configuration file path")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	tracer, err := telemetry.SetupTracing(cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Warn("could not set up tracing")
	}

	promRegistry := prometheus.NewRegistry()
	stats, err := telemetry.NewStats(promRegistry)
	if err != nil {
		logger.WithError(err).Fatal("could not set up metrics")
		return
	}

	selector := bridge.NewSelector(cfg.Bridges.Selection, logger)
	bridgeAPIs := rest.NewFactory(cfg.Bridges.RequestTimeout, logger)
	poller := bridge.NewPoller(selector, bridgeAPIs,
		cfg.Bridges.Addresses, cfg.Bridges.PollInterval, logger)
	go poller.Run(ctx)

	client, err := xmppclient.Dial(ctx, cfg.XMPP, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not connect to the XMPP server")
		return
	}

	conferences := focus.NewRegistry(cfg.Conference, conference.Dependencies{
		RoomFactory:  client,
		JingleSender: client,
		Bridges:      selector,
		BridgeAPIs:   bridgeAPIs,
		Stats:        stats,
		Logger:       logger,
	}, nil)

	// Handle signal interruptions.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("shutting down")
		cancel()
		client.Close()
		if tracer != nil {
			tracer.Shutdown(context.Background())
		}
		os.Exit(0)
	}()

	go serveHTTP(cfg.HTTP.ListenAddress, promRegistry, conferences, selector, logger)

	// Process incoming stanzas. This blocks until the connection fails.
	if err := client.Serve(conferences); err != nil {
		logger.WithError(err).Fatal("lost the XMPP connection")
	}
}

func serveHTTP(address string, promRegistry *prometheus.Registry, conferences *focus.Registry, selector *bridge.Selector, logger *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/debug/conferences", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, conferences.DebugState(r.Context()))
	})
	mux.HandleFunc("/debug/bridges", func(w http.ResponseWriter, r *http.Request) {
		bridges := make([]map[string]any, 0)
		for _, b := range selector.All() {
			bridges = append(bridges, b.DebugState())
		}
		writeJSON(w, bridges)
	})
	mux.HandleFunc("/debug/move-endpoint", func(w http.ResponseWriter, r *http.Request) {
		operatorRequest(w, r, conferences, conference.MoveEndpoint{
			Endpoint: xmuc.EndpointID(r.URL.Query().Get("endpoint")),
		})
	})
	mux.HandleFunc("/debug/move-endpoints", func(w http.ResponseWriter, r *http.Request) {
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))
		operatorRequest(w, r, conferences, conference.MoveEndpoints{
			Bridge: r.URL.Query().Get("bridge"),
			Count:  count,
		})
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	logger.WithField("address", address).Info("serving metrics and debug endpoints")
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.WithError(err).Fatal("could not serve the debug endpoints")
	}
}

func operatorRequest(w http.ResponseWriter, r *http.Request, conferences *focus.Registry, content any) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	roomName := r.URL.Query().Get("conference")
	conf := conferences.Get(roomName)
	if conf == nil {
		http.Error(w, "no such conference", http.StatusNotFound)
		return
	}

	response, err := conf.SubmitAndWait(r.Context(), conference.NewRequest(jid.JID{}, content))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if response.Err != nil {
		http.Error(w, response.Err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
