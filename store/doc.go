// Package store groups the worker.Store backends: memory for tests and
// single-process deployments, redis for ephemeral clusters, and postgres
// for durable production deployments.
package store
