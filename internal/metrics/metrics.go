package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics contains the Prometheus collectors for voice sessions
type Metrics struct {
	registry *prometheus.Registry

	// Session lifecycle
	SessionsStarted prometheus.Counter
	SessionErrors   *prometheus.CounterVec
	RemoteCloses    prometheus.Counter
	SessionDuration prometheus.Histogram
	Phase           prometheus.Gauge

	// Outbound audio
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter
	SendErrors    prometheus.Counter

	// Inbound audio and control
	AudioChunks   prometheus.Counter
	DecodeErrors  prometheus.Counter
	Interruptions prometheus.Counter
	Speaking      prometheus.Gauge

	// Transcript
	Turns             prometheus.Counter
	TranscriptEntries *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_session_errors_total",
			Help: "Total number of session errors by kind",
		}, []string{"kind"}),
		RemoteCloses: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_remote_closes_total",
			Help: "Total number of sessions ended cleanly by the service",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelink_session_duration_seconds",
			Help:    "Duration of sessions from start to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_session_phase",
			Help: "Current session phase (0 idle, 1 connecting, 2 active, 3 closing)",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_frames_sent_total",
			Help: "Total number of captured frames sent to the service",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_frames_dropped_total",
			Help: "Total number of captured frames dropped because the sender was busy",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_send_errors_total",
			Help: "Total number of failed frame sends",
		}),

		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_audio_chunks_total",
			Help: "Total number of audio chunks scheduled for playback",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_decode_errors_total",
			Help: "Total number of inbound audio chunks dropped as undecodable",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_interruptions_total",
			Help: "Total number of barge-in interruptions",
		}),
		Speaking: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_speaking",
			Help: "1 while agent audio is playing",
		}),

		Turns: f.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_turns_total",
			Help: "Total number of completed turns",
		}),
		TranscriptEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_transcript_entries_total",
			Help: "Total number of transcript entries by role",
		}, []string{"role"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
