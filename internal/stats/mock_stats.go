package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater is a testify mock over StatsProvider, used to assert the
// metric traffic emitted by the sync core (session counts, pending writes,
// reconcile timeouts).
type MockStatsUpdater struct {
	mock.Mock
}

var _ StatsProvider = (*MockStatsUpdater)(nil)

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
