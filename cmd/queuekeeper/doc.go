// Command queuekeeper runs the request admission queue in front of a
// catalog/admin backend.
//
// Mutating requests are serialized through a bounded worker pool, every
// task is recorded in a history store, and an admin API exposes live queue
// status, history and retention controls.
//
// Install:
//
//	go install github.com/nuetzliches/queuekeeper/cmd/queuekeeper@latest
//
// Usage:
//
//	queuekeeper run --config ./queuekeeper.yaml
package main
