// Command dxlbrokerd is the process entrypoint: it builds a Settings
// from the environment, wires a Core, starts the reactor, serves
// prometheus metrics, and waits for a termination signal before
// draining shut down. Everything else — listener sockets, TLS, wire
// decoding — lives outside this module's scope (spec.md §1) and is left
// to the deployment this binary is embedded in.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opendxl/opendxl-broker-core/internal/log"
	"github.com/opendxl/opendxl-broker-core/internal/metrics"
	"github.com/opendxl/opendxl-broker-core/pkg/core"
)

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()
	logger := log.New(zapLogger)

	settings := settingsFromEnv()

	reg := prometheus.NewRegistry()
	m := metrics.New("dxlbroker")
	m.MustRegister(reg)

	broker := core.NewCore(settings, logger, m, nil)
	broker.Start()

	metricsAddr := envOr("DXL_METRICS_ADDR", ":9090")
	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Log(log.LevelInfo, "metrics listener starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log(log.LevelError, "metrics listener failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Log(log.LevelInfo, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	broker.Stop()
}

func settingsFromEnv() core.Settings {
	guid := envOr("DXL_BROKER_GUID", uuid.NewString())
	return core.Settings{
		GUID:                          guid,
		TenantGUID:                    os.Getenv("DXL_TENANT_GUID"),
		ListenPort:                    envInt("DXL_LISTEN_PORT", 8883),
		WSPort:                        envInt("DXL_WS_PORT", 0),
		MessageSizeLimit:              envInt("DXL_MESSAGE_SIZE_LIMIT", 1<<20),
		MaxPacketBufferSize:           envInt("DXL_MAX_PACKET_BUFFER_SIZE", 1<<16),
		TTLCheckIntervalMins:          envInt("DXL_TTL_CHECK_INTERVAL_MINS", 5),
		TTLGraceMins:                  envInt("DXL_TTL_GRACE_MINS", 2),
		TenantByteLimit:               int64(envInt("DXL_TENANT_BYTE_LIMIT", 0)),
		TenantConnectionLimit:         envInt("DXL_TENANT_CONNECTION_LIMIT", 0),
		MultiTenantMode:               envBool("DXL_MULTI_TENANT_MODE", false),
		TopicRoutingEnabled:           envBool("DXL_TOPIC_ROUTING_ENABLED", true),
		CertIdentityValidationEnabled: envBool("DXL_CERT_IDENTITY_VALIDATION_ENABLED", true),
		MaxInflight:                   envInt("DXL_MAX_INFLIGHT", 20),
		MaxQueued:                     envInt("DXL_MAX_QUEUED", 1000),
		QueueQoS0Messages:             envBool("DXL_QUEUE_QOS0_MESSAGES", false),
		RetryInterval:                 time.Duration(envInt("DXL_RETRY_INTERVAL_SECS", 20)) * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
