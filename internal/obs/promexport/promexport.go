// Package promexport centralizes Prometheus metric construction so
// every component registers against one registry with one
// already-registered-collector recovery idiom.
package promexport

import "github.com/prometheus/client_golang/prometheus"

// MustRegisterCounterVec registers cv against r, or returns the already
// registered collector of the same name if one exists. This lets
// multiple components built with the same default namespace share a
// registry without panicking on duplicate registration.
func MustRegisterCounterVec(r prometheus.Registerer, cv *prometheus.CounterVec) *prometheus.CounterVec {
	if err := r.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return cv
}

func MustRegisterHistogramVec(r prometheus.Registerer, hv *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := r.Register(hv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return hv
}

func MustRegisterGaugeVec(r prometheus.Registerer, gv *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := r.Register(gv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.GaugeVec)
		}
		panic(err)
	}
	return gv
}

func MustRegisterGauge(r prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := r.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func MustRegisterCounter(r prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}
