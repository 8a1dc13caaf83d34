package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/config"
	"github.com/sells-group/govchat/internal/events"
	"github.com/sells-group/govchat/internal/ingest"
	"github.com/sells-group/govchat/internal/metrics"
	"github.com/sells-group/govchat/internal/resilience"
	"github.com/sells-group/govchat/internal/session"
	"github.com/sells-group/govchat/internal/tracer"
	"github.com/sells-group/govchat/internal/transport"
	"github.com/sells-group/govchat/pkg/ragapi"
)

// sessionEnv holds the backend client, the session and the optional event
// feed needed by the chat, upload and serve commands.
type sessionEnv struct {
	Session   *session.Session
	Transport *transport.Client
	Metrics   *metrics.Metrics
	Events    *events.Subscriber // nil unless ingest.progress is push

	stopEvents     context.CancelFunc
	eventsDone     chan struct{}
	shutdownTracer tracer.ShutdownFunc
}

// Close stops the event feed, waits for ingestion jobs and flushes traces.
func (e *sessionEnv) Close() {
	e.Session.Close()
	if e.stopEvents != nil {
		e.stopEvents()
		<-e.eventsDone
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdownTracer(ctx); err != nil {
		zap.L().Warn("tracer shutdown failed", zap.Error(err))
	}
}

// initSession builds the backend client and a session from cfg. Callers
// should defer env.Close().
func initSession(ctx context.Context, mode string) (*sessionEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	shutdown, err := tracer.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	api := ragapi.NewClient(
		ragapi.WithBaseURL(cfg.Backend.BaseURL),
		ragapi.WithQueryMode(ragapi.QueryMode(cfg.Backend.QueryMode)),
		ragapi.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout()}),
	)
	breaker := transport.NewBreaker(resilience.FromBreakerConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeoutSecs), m)
	tc := transport.New(api,
		transport.WithBreaker(breaker),
		transport.WithMetrics(m),
		transport.WithMockOnFailure(cfg.Backend.MockOnFailure),
		transport.WithStatusCacheTTL(time.Duration(cfg.Backend.StatusCacheMs)*time.Millisecond),
	)

	env := &sessionEnv{Transport: tc, Metrics: m, shutdownTracer: shutdown}

	poll := ingest.PollSource{
		Status:   tc.IndexStatus,
		Interval: time.Duration(cfg.Ingest.PollIntervalMs) * time.Millisecond,
		Timeout:  time.Duration(cfg.Ingest.PollTimeoutSecs) * time.Second,
	}

	var src ingest.ProgressSource
	switch cfg.Ingest.Progress {
	case config.ProgressTimer:
		src = ingest.TimerSource{
			ProcessingDelay: time.Duration(cfg.Ingest.ProcessingDelayMs) * time.Millisecond,
			IndexDelay:      time.Duration(cfg.Ingest.IndexDelayMs) * time.Millisecond,
		}
	case config.ProgressPush:
		push := ingest.NewPushSource()
		push.Timeout = time.Duration(cfg.Ingest.PushTimeoutSecs) * time.Second
		push.Fallback = poll
		sub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, push)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		env.Events = sub
		evCtx, stop := context.WithCancel(context.Background())
		env.stopEvents = stop
		env.eventsDone = make(chan struct{})
		go func() {
			defer close(env.eventsDone)
			if err := sub.Run(evCtx); err != nil {
				zap.L().Error("event feed stopped", zap.Error(err))
			}
		}()
		src = push
	default:
		src = poll
	}

	env.Session = session.New(tc,
		session.WithSettings(cfg.Settings),
		session.WithProgress(src),
		session.WithMetrics(m),
	)
	return env, nil
}

// retryConfig returns the configured retry policy, logging each retry.
func retryConfig(operation string) resilience.RetryConfig {
	rc := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs)
	rc.OnRetry = resilience.RetryLogger(operation)
	return rc
}
