package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}

// NewPermissiveMock returns a mock that accepts any metric update, for
// tests that do not assert on stats.
func NewPermissiveMock() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("Incr", mock.Anything).Maybe()
	m.On("Decr", mock.Anything).Maybe()
	m.On("RegisterMetric", mock.Anything).Maybe()
	m.On("Run").Maybe()
	return m
}
