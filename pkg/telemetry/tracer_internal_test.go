package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracerConfig_Sampler(t *testing.T) {
	assert.Contains(t, TracerConfig{}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, TracerConfig{SampleRatio: 1.5}.sampler().Description(), "AlwaysOnSampler")
	assert.Contains(t, TracerConfig{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
