package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

var (
	histogramsMu sync.Mutex
	histograms   = map[string]prometheus.Histogram{}
)

type task struct {
	function    func(ctx *fireflycontext.Context)
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	ctx           *fireflycontext.Context
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(ctx *fireflycontext.Context, metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		ctx:           ctx,
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts calling backgroundTask immediately and then once every interval until StopAll is called
// or the manager's context is cancelled.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx *fireflycontext.Context), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool, 1),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits for in-flight invocations to return. Returns true if it timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := latencyHistogram(m.metricsPrefix + task.metricName)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		task.function(m.ctx)
		taskDurationHistogram.Observe(time.Since(start).Seconds())

		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			case <-m.ctx.Done():
				return
			}
			innerStart := time.Now()
			task.function(m.ctx)
			taskDurationHistogram.Observe(time.Since(innerStart).Seconds())
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		select {
		case task.stopChannel <- true:
		default:
		}
	}
}

func latencyHistogram(name string) prometheus.Histogram {
	histogramsMu.Lock()
	defer histogramsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h
	}
	h := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    name + "_latency_seconds",
			Help:    "Background loop " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	histograms[name] = h
	return h
}
