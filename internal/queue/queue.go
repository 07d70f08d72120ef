// Package queue defines the unit of work handed to the fetch workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue once a closed queue has drained.
var ErrClosed = errors.New("queue closed")

// Job is one URL to fetch. ID distinguishes outputs of a batch and may be empty.
type Job struct {
	ID  string
	URL string
}

// Consumer hands jobs to workers.
type Consumer interface {
	Dequeue(ctx context.Context) (Job, error)
}

// Producer accepts jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close()
}
