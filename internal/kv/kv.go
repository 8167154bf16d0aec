// Package kv provides the durable key→string storage behind the workout
// store. The store only needs Get/Set with a not-found sentinel; anything
// offering that can back it.
package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("kv: key not found")

type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
