// Package kafkahook publishes herald lifecycle events to Kafka. Every
// outcome record becomes a herald.outcome.recorded message keyed by job
// id, so downstream consumers (analytics, CRM sync) see exactly what the
// outcome log holds. Retries and lease recoveries can be published too.
//
// Usage:
//
//	w := kafkahook.NewWriter([]string{"kafka:9092"}, "herald.events")
//	defer w.Close()
//	eng, _ := engine.New(cfg, engine.WithExtension(kafkahook.New(w)))
//
// To restrict which events are published:
//
//	hook := kafkahook.New(w, kafkahook.WithEvents(kafkahook.EventOutcomeRecorded))
package kafkahook
