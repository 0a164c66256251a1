package orchestrator

import (
	"time"

	"github.com/ocx/realtime-worker/internal/config"
	"github.com/ocx/realtime-worker/internal/contextbuilder"
	"github.com/ocx/realtime-worker/internal/eventruntime"
	"github.com/ocx/realtime-worker/internal/factsbudgeter"
	"github.com/ocx/realtime-worker/internal/factsstore"
	"github.com/ocx/realtime-worker/internal/session"
	"github.com/ocx/realtime-worker/internal/tokencount"
)

// Config carries the Orchestrator's own tunables (spec §5 concurrency
// model), sourced from config.RuntimeConfig.
type Config struct {
	InboundQueueDepth  int
	FinalChunkBlock    time.Duration
	StartEventDeadline time.Duration
	ShutdownDrain      time.Duration
	ReplayMaxChunks    int
	ReplayGapWarnSeq   uint64
	StatusEmitInterval time.Duration
	SummaryLogInterval time.Duration
	CheckpointFlush    time.Duration
	ResumeYoungWindow  time.Duration
}

// FromRuntimeConfig builds an orchestrator Config from the resolved
// global config (spec §6 "must be configurable" knobs).
func FromRuntimeConfig(rc config.RuntimeConfig) Config {
	return Config{
		InboundQueueDepth:  rc.InboundQueueDepth,
		FinalChunkBlock:    time.Duration(rc.FinalChunkBlockMs) * time.Millisecond,
		StartEventDeadline: time.Duration(rc.StartEventDeadlineMs) * time.Millisecond,
		ShutdownDrain:      time.Duration(rc.ShutdownDrainMs) * time.Millisecond,
		ReplayMaxChunks:    rc.ReplayMaxChunks,
		ReplayGapWarnSeq:   rc.ReplayGapWarnSeq,
		StatusEmitInterval: time.Duration(rc.StatusEmitIntervalMs) * time.Millisecond,
		SummaryLogInterval: time.Duration(rc.SummaryLogIntervalMs) * time.Millisecond,
		CheckpointFlush:    time.Duration(rc.CheckpointFlushMs) * time.Millisecond,
		ResumeYoungWindow:  time.Duration(rc.ResumeYoungWindowMs) * time.Millisecond,
	}
}

// buildRuntimeConfig translates the resolved global config into the
// eventruntime.Config a new EventRuntime needs, mirroring the teacher's
// habit of assembling a component Config at the composition root rather
// than passing *config.Config deep into a package.
func buildRuntimeConfig(cfg *config.Config) eventruntime.Config {
	return eventruntime.Config{
		RingCapacity:      cfg.RingBuffer.Capacity,
		RingWindowMs:      cfg.RingBuffer.WindowMs,
		FactsMaxItems:     cfg.Facts.MaxItems,
		FactsSourceCap:    cfg.Facts.SourceCap,
		FactsAgreementInc: cfg.Facts.AgreementIncrement,
		FactsMismatchDec:  cfg.Facts.MismatchDecrement,
		Lifecycle: factsstore.LifecycleConfig{
			DormantMissStreak: cfg.Facts.DormantMissStreak,
			DormantIdle:       time.Duration(cfg.Facts.DormantIdleMs) * time.Millisecond,
			DormantConfDrop:   cfg.Facts.DormantConfDrop,
			ReviveDelta:       cfg.Facts.ReviveDelta,
			PruneIdle:         time.Duration(cfg.Facts.PruneIdleMs) * time.Millisecond,
		},
		Budgeter: factsbudgeter.Config{
			TopK:              cfg.Budgeter.TopKPreCap,
			Headroom:          cfg.Budgeter.HeadroomTokens,
			JaccardThreshold:  cfg.Budgeter.ClusterJaccard,
			SelectedBonus:     cfg.Budgeter.SelectedConfBonus,
			UnadmittedPenalty: cfg.Budgeter.UnadmittedConfPenalty,
			TokenCounter:      tokencount.Config{CharsPerToken: 4.0},
		},
		ContextBuilder: contextbuilder.Config{
			TokenCounter: tokencount.Config{CharsPerToken: 4.0},
		},
		TokenCounter:     tokencount.Config{CharsPerToken: 4.0},
		CardsTokenBudget: cfg.Runtime.CardsTokenBudget,
		FactsDebounce:    time.Duration(cfg.Runtime.FactsDebounceMs) * time.Millisecond,
		LoggerCap:        100,
	}
}

// BuildSessionConfig translates config.SessionConfig into session.Config
// (spec §4.6's timing knobs). Exported for cmd/worker/main.go, which
// builds the single process-wide session.Manager before constructing
// the Orchestrator.
func BuildSessionConfig(sc config.SessionConfig) session.Config {
	return session.Config{
		ConnectTimeout:    time.Duration(sc.ConnectTimeoutMs) * time.Millisecond,
		CloseTimeout:      time.Duration(sc.CloseTimeoutMs) * time.Millisecond,
		SendDeadline:      time.Duration(sc.SendDeadlineMs) * time.Millisecond,
		PingInterval:      time.Duration(sc.PingIntervalMs) * time.Millisecond,
		MaxMissedPongs:    sc.MaxMissedPongs,
		BackoffInitial:    time.Duration(sc.BackoffInitialMs) * time.Millisecond,
		BackoffFactor:     sc.BackoffFactor,
		BackoffCap:        time.Duration(sc.BackoffCapMs) * time.Millisecond,
		BackoffJitter:     sc.BackoffJitter,
		MaxConsecutiveErr: sc.MaxConsecutiveErr,
		SendBufferSize:    sc.SendBufferSize,
		MaxSendsPerSec:    sc.MaxSendsPerSec,
	}
}
