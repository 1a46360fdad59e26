package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/hostforge/hostforge/pkg/domain"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock, in UTC.
func SystemClock() domain.Clock { return systemClock{} }

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// UUIDGenerator returns an IDGenerator producing random UUIDv4 strings.
func UUIDGenerator() domain.IDGenerator { return uuidGenerator{} }
