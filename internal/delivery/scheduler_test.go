package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/kindlerelay/internal/config"
	"github.com/shohag/kindlerelay/internal/models"
)

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(config.DeliveryConfig{Schedule: "every now and then"}, h.dispatcher, zerolog.Nop())

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "invalid delivery schedule")
}

func TestSchedulerRunOnStart(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 1)
	h.delivery(t, u, func(d *models.Delivery) { d.Time = string(SlotFor(time.Now())) })
	h.clock = time.Now().UTC()

	s := NewScheduler(config.DeliveryConfig{
		Schedule:    "@daily",
		RunOnStart:  true,
		PassTimeout: time.Minute,
	}, h.dispatcher, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return h.assembler.sent() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsOverlappingPass(t *testing.T) {
	h := newHarness(t)
	u := h.user(t, 5)
	h.delivery(t, u, func(d *models.Delivery) { d.Time = string(SlotFor(time.Now())) })
	h.assembler.started = make(chan string, 1)
	h.assembler.gate = make(chan struct{})

	s := NewScheduler(config.DeliveryConfig{Schedule: "@daily"}, h.dispatcher, zerolog.Nop())

	done := make(chan bool)
	go func() { done <- s.RunPass(context.Background()) }()
	<-h.assembler.started

	assert.False(t, s.RunPass(context.Background()), "a pass is already running")

	close(h.assembler.gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, h.assembler.sent())
}
