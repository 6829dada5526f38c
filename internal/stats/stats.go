package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const mapName = "voicechat-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

var publishOnce sync.Once

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and serves its
// metrics on GET /debug/vars. The first updater created is also published
// to the process-wide expvar registry.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	publishOnce.Do(func() {
		expvar.Publish(mapName, su.vars)
	})
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			// Add creates the counter if it was never registered
			su.vars.Add(req.name, int64(req.value))
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case su.updateChan <- req:
	case <-su.done:
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.done)
	})
}
