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
package comms

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"www.velocidex.com/golang/flowrunner/config"
	"www.velocidex.com/golang/flowrunner/constants"
	flows_proto "www.velocidex.com/golang/flowrunner/flows/proto"
	"www.velocidex.com/golang/flowrunner/json"
	"www.velocidex.com/golang/flowrunner/logging"
)

var (
	healthy int32

	// How long a reader waits for a notification before telling the
	// client to poll anyway.
	ReaderPollInterval = constants.DEFAULT_READER_POLL_INTERVAL
)

func PrepareFrontendMux(frontend *Frontend, router *http.ServeMux) {
	router.Handle("/healthz", healthz())
	router.Handle("/control", control(frontend))
	router.Handle("/reader", reader(frontend))
}

// Serves the frontend until the context is done.
func StartFrontendHttp(ctx context.Context, wg *sync.WaitGroup,
	config_obj *config.Config, frontend *Frontend) error {
	router := http.NewServeMux()
	PrepareFrontendMux(frontend, router)

	server := &http.Server{
		Addr:    config_obj.Frontend.BindAddress,
		Handler: logging.GetLoggingHandler(config_obj)(router),

		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * ReaderPollInterval,
		IdleTimeout:  15 * time.Second,
	}

	logger := logging.GetLogger(config_obj, &logging.FrontendComponent)

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		atomic.StoreInt32(&healthy, 0)
		logger.Info("Frontend is shutting down...")

		// Readers return right away so the shutdown is not held up.
		frontend.Close()

		shutdown_ctx, cancel := context.WithTimeout(
			context.Background(), 10*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		err := server.Shutdown(shutdown_ctx)
		if err != nil {
			logger.Error("Could not gracefully shutdown the frontend: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info("Frontend is ready to handle client requests at %s",
			config_obj.Frontend.BindAddress)
		atomic.StoreInt32(&healthy, 1)

		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Frontend: %v", err)
		}
	}()

	return nil
}

func healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
}

// Clients post their responses and receive their new tasks in the
// same round trip.
func control(frontend *Frontend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		client_id := req.URL.Query().Get("client_id")
		if client_id == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, 64*1024*1024))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		responses := []*flows_proto.FlowResponse{}
		if len(body) > 0 {
			err = json.Unmarshal(body, &responses)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		ctx := req.Context()
		err = frontend.ReceiveMessages(ctx, client_id, responses)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		tasks, err := frontend.GetClientTasks(ctx, client_id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		serialized, err := json.Marshal(tasks)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(serialized)
	})
}

// A long poll: returns 200 as soon as there is work for the client
// or 204 when nothing happened for a while.
func reader(frontend *Frontend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		client_id := req.URL.Query().Get("client_id")
		if client_id == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}

		notification, closer := frontend.Listen(client_id)
		defer closer()

		select {
		case <-notification:
			w.WriteHeader(http.StatusOK)

		case <-req.Context().Done():
			w.WriteHeader(http.StatusNoContent)

		case <-time.After(ReaderPollInterval):
			w.WriteHeader(http.StatusNoContent)
		}
	})
}
