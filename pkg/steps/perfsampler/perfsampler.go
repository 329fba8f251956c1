// Package perfsampler provides the PERFSAMPLER built-in step. Importing the package links it
// into every algo; it only runs when AlgoConfig.PerfSamplerStepConfig.Enable is set.
//
// On every report interval the step parses the stacks of all goroutines, counts the frames
// and goroutines belonging to each configured package prefix and samples the process CPU
// and resident memory. The report is logged and published on STEPPING_PERF_REPORT when a
// step follows that subject.
package perfsampler

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/gostackparse"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
	"github.com/wehubfusion/stepping/pkg/stepping"
)

func init() {
	stepping.RegisterBuiltinStep(stepping.BuiltinPerfSampler, func(cfg *config.AlgoConfig, logger *zap.Logger) (stepping.Step, error) {
		if !cfg.PerfSamplerStepConfig.Enable {
			return nil, nil
		}
		return New(cfg.PerfSamplerStepConfig, logger)
	})
}

// PackageStats counts the activity of one package prefix.
type PackageStats struct {
	Package    string `json:"package"`
	Goroutines int    `json:"goroutines"`
	Frames     int    `json:"frames"`
}

// Report is one sample.
type Report struct {
	Timestamp  time.Time      `json:"timestamp"`
	Goroutines int            `json:"goroutines"`
	Packages   []PackageStats `json:"packages"`
	CPUPercent float64        `json:"cpuPercent"`
	RSSBytes   uint64         `json:"rssBytes"`
}

// Step samples the runtime on its tick.
type Step struct {
	stepping.BaseStep

	packages []string
	proc     *process.Process
	stacks   func() []byte
	logger   *zap.Logger
}

// New creates the sampler step. cfg.Packages must not be empty.
func New(cfg config.PerfSamplerStepConfig, logger *zap.Logger) (*Step, error) {
	if len(cfg.Packages) == 0 {
		return nil, errors.New("'packages' list is required to initialize the perf sampler step")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = config.DefaultPerfSamplerInterval
	}

	stepCfg := config.DefaultStepConfig().WithTickCallback(interval, interval)
	s := &Step{
		BaseStep: stepping.NewBaseStep(stepping.BuiltinPerfSampler, &stepCfg),
		packages: cfg.Packages,
		stacks:   allStacks,
		logger:   logger,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Process stats unavailable, reporting stacks only", zap.Error(err))
	} else {
		s.proc = proc
	}
	return s, nil
}

// FollowsSubject keeps the sampler out of the data flow
func (s *Step) FollowsSubject(string) bool {
	return false
}

func (s *Step) OnTickCallback() error {
	report, err := s.Sample()
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("goroutines", report.Goroutines),
		zap.Float64("cpu_percent", report.CPUPercent),
		zap.Uint64("rss_bytes", report.RSSBytes),
	}
	for _, p := range report.Packages {
		fields = append(fields, zap.Int(p.Package, p.Frames))
	}
	s.logger.Info("Perf sampler report", fields...)

	if c := s.Container(); c != nil {
		if _, ok := container.Get[*stepping.Subject](c, stepping.SubjectPerfReport); ok {
			return s.Publisher().Publish(stepping.SubjectPerfReport, report)
		}
	}
	return nil
}

// Sample takes one report
func (s *Step) Sample() (*Report, error) {
	goroutines, errs := gostackparse.Parse(bytes.NewReader(s.stacks()))
	if len(goroutines) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	report := &Report{
		Timestamp:  time.Now(),
		Goroutines: len(goroutines),
		Packages:   countPackages(goroutines, s.packages),
	}

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			report.CPUPercent = cpu
		} else {
			s.logger.Debug("CPU sample failed", zap.Error(err))
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			report.RSSBytes = mem.RSS
		} else {
			s.logger.Debug("Memory sample failed", zap.Error(err))
		}
	}
	return report, nil
}

func countPackages(goroutines []*gostackparse.Goroutine, packages []string) []PackageStats {
	stats := make([]PackageStats, len(packages))
	for i, pkg := range packages {
		stats[i].Package = pkg
	}

	for _, g := range goroutines {
		seen := make([]bool, len(packages))
		for _, frame := range g.Stack {
			for i, pkg := range packages {
				if strings.HasPrefix(frame.Func, pkg) {
					stats[i].Frames++
					seen[i] = true
				}
			}
		}
		for i := range seen {
			if seen[i] {
				stats[i].Goroutines++
			}
		}
	}

	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Frames > stats[j].Frames })
	return stats
}

// allStacks returns the stacks of every goroutine, growing the buffer until it fits.
func allStacks() []byte {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}
