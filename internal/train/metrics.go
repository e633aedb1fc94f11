package train

// Mean is a running weighted average.
type Mean struct {
	sum    float64
	weight float64
}

// Add records value with weight 1.
func (m *Mean) Add(value float64) {
	m.AddWeighted(value, 1)
}

// AddWeighted records value with the given weight.
func (m *Mean) AddWeighted(value, weight float64) {
	m.sum += value * weight
	m.weight += weight
}

// Result returns the current average, or 0 when nothing was recorded.
func (m *Mean) Result() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}

// Reset clears the metric.
func (m *Mean) Reset() {
	*m = Mean{}
}
