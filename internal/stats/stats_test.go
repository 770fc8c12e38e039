package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	data := []float64{4, 1, 3, 2, 5}
	assert.Equal(t, 1.0, Percentile(data, 0))
	assert.Equal(t, 5.0, Percentile(data, 100))
	assert.Equal(t, 3.0, Percentile(data, 50))
	assert.InDelta(t, 4.92, Percentile(data, 98), 1e-9)
	assert.InDelta(t, 4.0, Percentile(data, 75), 1e-9)
	assert.InDelta(t, 1.5, Percentile([]float64{1, 2}, 50), 1e-9)
	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, []float64{4, 1, 3, 2, 5}, data)
}

func TestSampleMeanStd(t *testing.T) {
	mean, std := SampleMeanStd([]float64{1, 2, 3})
	assert.InDelta(t, 2.0, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-12)

	mean, std = SampleMeanStd([]float64{7})
	assert.Equal(t, 7.0, mean)
	assert.Equal(t, 0.0, std)

	mean, std = SampleMeanStd(nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, std)
}
