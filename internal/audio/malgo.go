package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var ErrDeviceStopped = errors.New("audio device stopped")

// Device describes an endpoint reported by the host audio API. Loopback
// endpoints are playback devices that can be captured with Loopback set.
type Device struct {
	Name     string
	Default  bool
	Loopback bool
}

// MalgoSource captures system audio through miniaudio. With Loopback set it
// records a render endpoint in loopback mode (WASAPI), the default one or
// DeviceName matched against playback devices; otherwise it
// opens a capture device, which on PulseAudio/PipeWire may be a monitor source.
type MalgoSource struct {
	DeviceName string
	Loopback   bool

	logger *slog.Logger

	mu        sync.Mutex
	actx      *malgo.AllocatedContext
	device    *malgo.Device
	chunks    chan []float32
	stopped   chan struct{}
	pending   []float32
	frameSize int
	overruns  atomic.Uint64
}

func NewMalgoSource(deviceName string, loopback bool, logger *slog.Logger) *MalgoSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MalgoSource{
		DeviceName: deviceName,
		Loopback:   loopback,
		logger:     logger.With(slog.String("component", "audio")),
	}
}

func (s *MalgoSource) Open(_ context.Context, sampleRate, frameSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return errors.New("audio source already open")
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	kind := malgo.Capture
	if s.Loopback {
		kind = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(frameSize)

	if s.DeviceName != "" {
		info, names, err := findDevice(actx, lookupType(s.Loopback), s.DeviceName)
		if err != nil {
			_ = actx.Uninit()
			actx.Free()
			return err
		}
		if info == nil {
			_ = actx.Uninit()
			actx.Free()
			return fmt.Errorf("%w: %q (available: %s)", ErrDeviceNotFound, s.DeviceName, strings.Join(names, ", "))
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	s.chunks = make(chan []float32, 64)
	s.pending = s.pending[:0]
	s.frameSize = frameSize
	stopped := make(chan struct{})
	s.stopped = stopped
	var stopOnce sync.Once

	callbacks := malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: func() {
			stopOnce.Do(func() { close(stopped) })
		},
	}
	device, err := malgo.InitDevice(actx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("init audio device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("start audio device: %w", err)
	}

	s.actx = actx
	s.device = device
	s.logger.Info("audio capture started",
		slog.String("device", s.DeviceName),
		slog.Bool("loopback", s.Loopback),
		slog.Int("sample_rate", sampleRate),
		slog.Int("frame_size", frameSize),
	)
	return nil
}

// onData runs on the audio thread and must never block.
func (s *MalgoSource) onData(_, input []byte, frameCount uint32) {
	if frameCount == 0 || len(input) < 4 {
		return
	}
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	select {
	case s.chunks <- samples:
	default:
		s.overruns.Add(1)
	}
}

func (s *MalgoSource) Read(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	chunks, stopped, size := s.chunks, s.stopped, s.frameSize
	s.mu.Unlock()
	if chunks == nil {
		return nil, ErrNotOpen
	}

	for len(s.pending) < size {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stopped:
			return nil, ErrDeviceStopped
		case chunk := <-chunks:
			s.pending = append(s.pending, chunk...)
		}
	}
	frame := make([]float32, size)
	copy(frame, s.pending[:size])
	s.pending = append(s.pending[:0], s.pending[size:]...)
	return frame, nil
}

// Overruns reports how many callback buffers were discarded because the
// reader fell behind.
func (s *MalgoSource) Overruns() uint64 {
	return s.overruns.Load()
}

func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop audio device: %w", err))
		}
		s.device.Uninit()
		s.device = nil
	}
	if s.actx != nil {
		if err := s.actx.Uninit(); err != nil {
			errs = append(errs, fmt.Errorf("uninit audio context: %w", err))
		}
		s.actx.Free()
		s.actx = nil
	}
	if n := s.Overruns(); n > 0 {
		s.logger.Warn("audio capture overruns", slog.Uint64("count", n))
	}
	return errors.Join(errs...)
}

// ListDevices enumerates capture endpoints, including monitor sources,
// followed by the playback endpoints usable for loopback capture.
func ListDevices() ([]Device, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = actx.Uninit()
		actx.Free()
	}()

	var devices []Device
	for _, loopback := range []bool{false, true} {
		infos, err := actx.Devices(lookupType(loopback))
		if err != nil {
			return nil, fmt.Errorf("enumerate %s devices: %w", deviceKind(loopback), err)
		}
		for _, info := range infos {
			devices = append(devices, Device{Name: info.Name(), Default: info.IsDefault != 0, Loopback: loopback})
		}
	}
	return devices, nil
}

// lookupType selects which endpoints a device name refers to. Loopback
// capture records a render endpoint, so its ID comes from the playback list.
func lookupType(loopback bool) malgo.DeviceType {
	if loopback {
		return malgo.Playback
	}
	return malgo.Capture
}

func deviceKind(loopback bool) string {
	if loopback {
		return "playback"
	}
	return "capture"
}

func findDevice(actx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (*malgo.DeviceInfo, []string, error) {
	infos, err := actx.Devices(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate %s devices: %w", deviceKind(kind == malgo.Playback), err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	idx := MatchDevice(names, name)
	if idx < 0 {
		return nil, names, nil
	}
	return &infos[idx], names, nil
}

// MatchDevice returns the index of the device whose name equals want, or
// failing that the first whose name contains it (case-insensitive). It
// returns -1 when nothing matches.
func MatchDevice(names []string, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return -1
	}
	for i, n := range names {
		if strings.ToLower(n) == want {
			return i
		}
	}
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), want) {
			return i
		}
	}
	return -1
}
