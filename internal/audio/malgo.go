package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoSource captures from the system's audio backend through miniaudio.
// The backend context is initialized on first use.
type MalgoSource struct {
	logger zerolog.Logger

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// NewMalgoSource creates a new capture source
func NewMalgoSource(logger zerolog.Logger) *MalgoSource {
	return &MalgoSource{
		logger: logger.With().Str("component", "audio").Logger(),
	}
}

func (s *MalgoSource) backend() (*malgo.AllocatedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return s.ctx, nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.logger.Debug().Str("backend", message).Msg("miniaudio")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	s.ctx = ctx
	return ctx, nil
}

func (s *MalgoSource) captureDevices() ([]malgo.DeviceInfo, error) {
	ctx, err := s.backend()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	return infos, nil
}

// Devices lists capture devices
func (s *MalgoSource) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := s.captureDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(infos))
	for i := range infos {
		info := infos[i]
		devices = append(devices, Device{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open acquires a capture device
func (s *MalgoSource) Open(ctx context.Context, deviceID string, format Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = DefaultFormat()
	}
	format.BitDepth = 16

	mctx, err := s.backend()
	if err != nil {
		return nil, err
	}

	stream := &malgoStream{
		format: format,
		device: Device{ID: "default", Name: "default", Default: true},
		logger: s.logger,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	if deviceID != "" && deviceID != "default" {
		infos, err := s.captureDevices()
		if err != nil {
			return nil, err
		}
		found := false
		for i := range infos {
			if infos[i].ID.String() == deviceID {
				stream.id = infos[i].ID
				stream.device = Device{ID: deviceID, Name: infos[i].Name(), Default: infos[i].IsDefault != 0}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		deviceConfig.Capture.DeviceID = stream.id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			stream.deliver(input)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init capture device: %w", err)
	}
	stream.dev = device

	s.logger.Info().
		Str("device", stream.device.Name).
		Int("sampleRate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("Capture device acquired")
	return stream, nil
}

// Close releases the backend context
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}

type malgoStream struct {
	dev    *malgo.Device
	id     malgo.DeviceID
	format Format
	device Device
	logger zerolog.Logger

	mu       sync.Mutex
	onData   func([]byte)
	started  bool
	released bool
}

func (m *malgoStream) deliver(input []byte) {
	m.mu.Lock()
	fn := m.onData
	active := m.started && !m.released
	m.mu.Unlock()
	if !active || fn == nil {
		return
	}
	fn(input)
}

func (m *malgoStream) Start(onData func([]byte)) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrStreamClosed
	}
	m.onData = onData
	m.started = true
	m.mu.Unlock()

	if err := m.dev.Start(); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (m *malgoStream) Stop() error {
	m.mu.Lock()
	if !m.started || m.released {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	if err := m.dev.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (m *malgoStream) Close() error {
	err := m.Stop()

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.onData = nil
	m.mu.Unlock()

	m.dev.Uninit()
	m.logger.Debug().Str("device", m.device.Name).Msg("Capture device released")
	return err
}

func (m *malgoStream) Format() Format { return m.format }
func (m *malgoStream) Device() Device { return m.device }
