// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/lib/service"
)

func TestServeAndShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         handler,
		ShutdownTimeout: time.Second,
		Logger:          slog.New(slog.DiscardHandler),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://" + server.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestReadyCarriesResolvedPort(t *testing.T) {
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		Logger:  slog.New(slog.DiscardHandler),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	if server.Addr().String() == "127.0.0.1:0" {
		t.Fatal("address port was not resolved")
	}
}
