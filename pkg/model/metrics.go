package model

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

type instruments struct {
	trainings     *prometheus.CounterVec
	trainDuration *prometheus.HistogramVec
	predictions   *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
}

func newInstruments(reg prometheus.Registerer) *instruments {
	return &instruments{
		trainings: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "packetguard",
				Subsystem: "model",
				Name:      "trainings_total",
				Help:      "Total number of training runs",
			},
			[]string{"kind", "outcome"},
		)),
		trainDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "packetguard",
				Subsystem: "model",
				Name:      "train_duration_seconds",
				Help:      "Training duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"kind"},
		)),
		predictions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "packetguard",
				Subsystem: "model",
				Name:      "predicted_rows_total",
				Help:      "Total number of rows classified",
			},
			[]string{"kind", "class"},
		)),
		artifacts: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "packetguard",
				Subsystem: "model",
				Name:      "artifact_operations_total",
				Help:      "Total number of model save and load operations",
			},
			[]string{"operation", "outcome"},
		)),
	}
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so that several models can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
