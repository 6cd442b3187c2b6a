// Package service talks to the init system that supervises the broker and
// its companion processes.
package service

import (
	"context"
	"errors"
)

// ErrServiceManagerUnavailable is returned when the supervisor itself
// cannot be reached.
var ErrServiceManagerUnavailable = errors.New("service manager is not available")

// Service names a supervised unit.
type Service string

const (
	Mosquitto     Service = "mosquitto"
	MapperAzure   Service = "tedge-mapper-az"
	MapperC8y     Service = "tedge-mapper-c8y"
	SoftwareAgent Service = "tedge-agent"
)

// Manager is the part of a service supervisor the connect flow needs.
type Manager interface {
	Name() string
	CheckOperational(ctx context.Context) error
	Restart(ctx context.Context, svc Service) error
	Enable(ctx context.Context, svc Service) error
	StartAndEnable(ctx context.Context, svc Service) error
}
