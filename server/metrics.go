/*
Velociraptor - Dig Deeper
Copyright (C) 2019-2025 Rapid7 Inc.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/logging"
)

var (
	workerLeasedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_leased_requests_count",
			Help: "Number of flow processing requests leased by workers.",
		})

	workerFailedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_failed_requests_count",
			Help: "Number of leased flow processing requests left for lease expiry.",
		})
)

// Serves /metrics on Frontend.MetricsBindAddress until the context is
// done. Does nothing when no address is configured.
func StartMetricsServer(ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config) {
	address := config_obj.Frontend.MetricsBindAddress
	if address == "" {
		return
	}

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info("Metrics server listening on %v", address)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		shutdown_ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdown_ctx)
	}()
}
