// Package engine runs the near-field voice isolation pipeline one audio block
// at a time.
//
// A [Processor] is driven by a single audio goroutine through
// [Processor.Process]. Each block is analyzed (by the native core when the
// runtime mode is [inference.ModeNativeCore] and the core is ready, otherwise
// in software), scored by the active inference runtime, weighted by the target
// speaker lock, and rendered with the gain controller's parameters. The
// enhanced mono signal is written to every output channel.
//
// Other goroutines talk to the processor only through [Processor.Submit] and
// [Processor.Events]. Commands are drained at the start of each block; events
// are sent without blocking and dropped when nobody reads them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/nearfield/pkg/dsp"
	"github.com/MrWong99/nearfield/pkg/gain"
	"github.com/MrWong99/nearfield/pkg/inference"
	"github.com/MrWong99/nearfield/pkg/nativecore"
	"github.com/MrWong99/nearfield/pkg/targetlock"
)

const (
	// DefaultBlockSize is the nominal block length used to convert durations
	// into block counts.
	DefaultBlockSize = 128
	// DefaultTelemetryHz is the nominal telemetry rate.
	DefaultTelemetryHz = 15.0

	defaultCommandQueue = 64
	defaultEventQueue   = 256
)

// ErrQueueFull is returned by [Processor.Submit] when the command queue is
// full.
var ErrQueueFull = errors.New("engine: command queue full")

// Option configures a [Processor].
type Option func(*Processor)

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithBridge attaches a native core bridge. The caller starts the bridge; the
// processor only reads its state and closes it in [Processor.Close].
func WithBridge(b *nativecore.Bridge) Option {
	return func(p *Processor) { p.bridge = b }
}

// WithBlockSize sets the nominal block length. Calibration windows and the
// telemetry interval are computed from it.
func WithBlockSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithTelemetryHz sets the nominal telemetry rate.
func WithTelemetryHz(hz float64) Option {
	return func(p *Processor) {
		if hz > 0 && !math.IsInf(hz, 0) {
			p.telemetryHz = hz
		}
	}
}

// WithQueueSizes sets the command and event channel capacities.
func WithQueueSizes(commands, events int) Option {
	return func(p *Processor) {
		if commands > 0 {
			p.commandCap = commands
		}
		if events > 0 {
			p.eventCap = events
		}
	}
}

// WithRuntimeFactory replaces [inference.New] as the constructor used for the
// configured runtime mode, at startup and on every mode change.
func WithRuntimeFactory(f func(inference.Mode) inference.Runtime) Option {
	return func(p *Processor) {
		if f != nil {
			p.newRuntime = f
		}
	}
}

// Processor is the per-block orchestrator.
type Processor struct {
	log         *slog.Logger
	sampleRate  float64
	blockSize   int
	telemetryHz float64
	commandCap  int
	eventCap    int
	newRuntime  func(inference.Mode) inference.Runtime

	// Fixed after construction.
	blocksPerSecond   float64
	telemetryInterval uint64
	telemetrySamples  uint64

	commands chan Command
	events   chan Event
	dropped  atomic.Uint64
	blocks   atomic.Uint64

	// Owned by the audio goroutine.
	cfg          Config
	filters      *dsp.Filters
	tracker      dsp.Tracker
	runtime      inference.Runtime
	lock         targetlock.Profile
	gain         gain.State
	bridge       *nativecore.Bridge
	coreReported bool
	dropLogged   bool
	last         Telemetry
	sinceEmit    uint64
}

// New returns a processor for sampleRate starting from cfg, which is clamped.
func New(sampleRate float64, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		log:         slog.Default(),
		sampleRate:  sampleRate,
		blockSize:   DefaultBlockSize,
		telemetryHz: DefaultTelemetryHz,
		commandCap:  defaultCommandQueue,
		eventCap:    defaultEventQueue,
		newRuntime:  inference.New,
		cfg:         cfg.Clamp(),
		tracker:     dsp.NewTracker(),
		lock:        targetlock.New(),
		gain:        gain.New(),
	}
	for _, o := range opts {
		o(p)
	}
	p.blocksPerSecond = sampleRate / float64(p.blockSize)
	p.telemetryInterval = uint64(max(1, int(math.Round(p.blocksPerSecond/p.telemetryHz))))
	p.telemetrySamples = p.telemetryInterval * uint64(p.blockSize)
	p.filters = dsp.NewFilters(sampleRate)
	p.filters.Grow(p.blockSize)
	p.runtime = p.newRuntime(p.cfg.RuntimeMode)
	p.commands = make(chan Command, p.commandCap)
	p.events = make(chan Event, p.eventCap)
	if p.cfg.TargetSpeakerLock {
		p.lock.StartCalibration(targetlock.EnableCalibrationMs, p.blocksPerSecond)
	}
	return p
}

// Submit queues cmd for the next block boundary. It never blocks and returns
// [ErrQueueFull] when the queue is full. Safe for concurrent use.
func (p *Processor) Submit(cmd Command) error {
	select {
	case p.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events returns the event stream. Events are dropped, and counted by
// [Processor.Dropped], while the channel is full.
func (p *Processor) Events() <-chan Event {
	return p.events
}

// Dropped returns the number of events dropped because the consumer lagged.
func (p *Processor) Dropped() uint64 {
	return p.dropped.Load()
}

// Blocks returns the number of blocks processed. Safe for concurrent use.
func (p *Processor) Blocks() uint64 {
	return p.blocks.Load()
}

// TelemetryInterval returns the number of full-size blocks between telemetry
// events. Shorter blocks count by their length.
func (p *Processor) TelemetryInterval() uint64 {
	return p.telemetryInterval
}

// NativeCoreState reports the attached bridge's state. Without a bridge it
// reports [nativecore.StateDisabled]. Safe for concurrent use.
func (p *Processor) NativeCoreState() nativecore.State {
	if p.bridge == nil {
		return nativecore.StateDisabled
	}
	return p.bridge.State()
}

// Config returns the active configuration. It must not be called while
// Process is running.
func (p *Processor) Config() Config {
	return p.cfg
}

// TargetProfile returns a snapshot of the target profile. It must not be
// called while Process is running.
func (p *Processor) TargetProfile() targetlock.Snapshot {
	return p.lock.Snapshot(p.cfg.TargetLockSensitivity)
}

// LastTelemetry returns the most recently computed telemetry. It must not be
// called while Process is running.
func (p *Processor) LastTelemetry() Telemetry {
	return p.last
}

// Close releases the native core. The audio goroutine must have stopped.
func (p *Processor) Close(ctx context.Context) error {
	if p.bridge == nil {
		return nil
	}
	return p.bridge.Close(ctx)
}

// Process consumes one input block and fills every output channel. A nil
// input zero-fills the outputs. Each output channel is written in full:
// samples beyond the input length are zero.
//
// Process must only be called from one goroutine at a time.
func (p *Processor) Process(input []float32, outputs [][]float32) {
	p.drain()
	p.checkCore()

	if len(outputs) == 0 {
		return
	}
	if input == nil {
		for _, ch := range outputs {
			clear(ch)
		}
		return
	}

	first := outputs[0]
	n := min(len(input), len(first))
	in, out := input[:n], first[:n]

	useCore := p.cfg.RuntimeMode == inference.ModeNativeCore && p.bridge != nil && p.bridge.Ready()
	var (
		metrics     dsp.FrameMetrics
		coreMetrics bool
	)
	if useCore {
		m, err := p.bridge.Analyze(in)
		if err == nil {
			metrics, coreMetrics = m, true
		} else {
			p.coreFailed(err)
		}
	}
	if !coreMetrics {
		metrics = p.filters.Analyze(in)
	}

	features := p.tracker.Update(metrics, p.gain.IsSpeaking)
	result := p.runtime.Infer(features, inference.Params{NearFieldBias: p.cfg.NearFieldBias})
	speech := dsp.Clamp01(result.SpeechLikelihood)
	nearField := dsp.Clamp01(result.NearFieldScore)

	nearField = p.lock.Apply(targetlock.Input{
		Features:         features,
		NearFieldScore:   nearField,
		SpeechLikelihood: speech,
	}, targetlock.Settings{
		Enabled:     p.cfg.TargetSpeakerLock,
		Sensitivity: p.cfg.TargetLockSensitivity,
	})

	params := p.gain.Update(gain.Input{
		Features:         features,
		SpeechLikelihood: speech,
		NearFieldScore:   nearField,
		Lock: gain.Lock{
			Enabled:     p.cfg.TargetSpeakerLock,
			Sensitivity: p.cfg.TargetLockSensitivity,
			Confidence:  p.lock.Confidence,
			MatchScore:  p.lock.MatchScore,
			Frozen:      p.lock.Frozen,
		},
	}, gain.Settings{
		Strength:           p.cfg.Strength,
		MinSuppressionGain: p.cfg.MinSuppressionGain,
		PresenceBoost:      p.cfg.PresenceBoost,
		RumbleDamp:         p.cfg.RumbleDamp,
	})

	rendered := false
	if coreMetrics && p.bridge.Ready() {
		if err := p.bridge.Render(out, params); err == nil {
			rendered = true
		} else {
			p.coreFailed(err)
		}
	}
	if !rendered {
		if coreMetrics {
			// The software bands are stale when the core analyzed this block.
			p.filters.Analyze(in)
		}
		hp, speechBand, rumbleBand := p.filters.Bands()
		dsp.Render(out, hp, speechBand, rumbleBand, params)
	}
	clear(first[n:])
	for _, ch := range outputs[1:] {
		m := copy(ch, first)
		clear(ch[m:])
	}

	block := p.blocks.Add(1)
	p.last = Telemetry{
		NearFieldScore:            p.gain.SmoothedNearFieldScore,
		SuppressionGain:           p.gain.SuppressionGain,
		NoiseFloor:                p.tracker.NoiseFloor,
		SpeechLikelihood:          speech,
		TargetMatchScore:          p.lock.MatchScore,
		TargetProfileConfidence:   p.lock.Confidence,
		TargetProfileFrozen:       p.lock.Frozen,
		TargetProfileVoiceRatio:   p.lock.VoiceRatio,
		TargetProfileZcr:          p.lock.ZCR,
		TargetProfileSnrScore:     p.lock.SNRScore,
		TargetLockSensitivity:     p.cfg.TargetLockSensitivity,
		TargetCalibrationActive:   p.lock.Calibrating(),
		TargetCalibrationProgress: p.lock.Progress(),
		RuntimeMode:               p.cfg.RuntimeMode,
		IsSpeaking:                p.gain.IsSpeaking,
		NativeCoreActive:          rendered || coreMetrics,
		Block:                     block,
	}
	// Cadence follows elapsed samples, so short blocks do not raise the rate.
	p.sinceEmit += uint64(len(first))
	if p.sinceEmit >= p.telemetrySamples {
		p.sinceEmit %= p.telemetrySamples
		p.emit(Event{Kind: EventTelemetry, Telemetry: p.last})
	}
}

// drain applies every queued command.
func (p *Processor) drain() {
	for {
		select {
		case cmd := <-p.commands:
			p.apply(cmd)
		default:
			return
		}
	}
}

func (p *Processor) apply(cmd Command) {
	switch cmd.Kind {
	case CommandConfigure:
		p.configure(cmd.Patch)
	case CommandResetTargetProfile:
		p.lock.Reset()
	case CommandCalibrateTargetProfile:
		p.lock.StartCalibration(cmd.DurationMs, p.blocksPerSecond)
	case CommandLoadTargetProfile:
		if s, ok := p.lock.Load(cmd.Profile); ok {
			p.cfg.TargetLockSensitivity = s
		}
	case CommandSaveTargetProfile:
		p.emit(Event{Kind: EventProfileSaved, Name: cmd.Name, Profile: p.TargetProfile()})
	}
}

func (p *Processor) configure(patch ConfigPatch) {
	prev := p.cfg
	p.cfg = p.cfg.Apply(patch)

	switch {
	case p.cfg.TargetSpeakerLock && !prev.TargetSpeakerLock:
		p.lock.Reset()
		p.lock.StartCalibration(targetlock.EnableCalibrationMs, p.blocksPerSecond)
	case !p.cfg.TargetSpeakerLock:
		p.lock.Disable()
	}

	if p.cfg.RuntimeMode != prev.RuntimeMode {
		p.runtime = p.newRuntime(p.cfg.RuntimeMode)
		if p.cfg.RuntimeMode == inference.ModeNativeCore && p.bridge != nil {
			// The core missed every block analyzed in software meanwhile.
			if err := p.bridge.Reset(); err != nil {
				p.coreFailed(err)
			}
		}
	}
}

// checkCore reports a bridge that was disabled outside a block call, for
// example by a failed init.
func (p *Processor) checkCore() {
	if p.coreReported || p.bridge == nil || p.bridge.State() != nativecore.StateDisabled {
		return
	}
	p.coreFailed(p.bridge.Err())
}

func (p *Processor) coreFailed(err error) {
	if p.coreReported {
		return
	}
	p.coreReported = true
	if err == nil {
		err = nativecore.ErrUnavailable
	}
	p.emit(Event{Kind: EventNativeCoreDisabled, Err: err})
}

func (p *Processor) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
		if !p.dropLogged {
			p.dropLogged = true
			p.log.Warn("engine: event queue full, dropping events", "kind", ev.Kind.String())
		}
	}
}
