package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/vidgen/pkg/events"
)

func TestRoutingKeyFor(t *testing.T) {
	ev := events.JobEvent{JobID: "j1", Status: "success"}

	assert.Equal(t, "video.job.success", Config{}.RoutingKeyFor(ev))
	assert.Equal(t, "jobs.success.v1", Config{RoutingKey: "jobs.{status}.v1"}.RoutingKeyFor(ev))
	assert.Equal(t, "fixed", Config{RoutingKey: "fixed"}.RoutingKeyFor(ev))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "amqp://localhost"}.withDefaults()
	assert.Equal(t, DefaultExchange, cfg.Exchange)
	assert.Equal(t, DefaultRoutingKeyPattern, cfg.RoutingKey)
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}
