package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/aha-capture-service/internal/audio"
	"github.com/skypro1111/aha-capture-service/internal/capture"
	"github.com/skypro1111/aha-capture-service/internal/config"
	"github.com/skypro1111/aha-capture-service/internal/metrics"
	"github.com/skypro1111/aha-capture-service/internal/protocol"
)

var _ capture.Source = (*UDP)(nil)

// seqResyncDistance is the largest sequence jump, either way, still read as
// loss or reordering. Anything further is a device restart.
const seqResyncDistance = 1024

// Drop reasons reported to metrics
const (
	dropQueueFull  = "queue_full"
	dropSeqGap     = "sequence_gap"
	dropOutOfOrder = "out_of_order"
)

// UDP receives audio frames from a network microphone. Each instance serves
// one capture: Start binds the socket, Stop closes it.
type UDP struct {
	config     config.UDPSourceConfig
	sampleRate int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	conn   *net.UDPConn
	chunks chan []float32

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Per-device sequence tracking, owned by the receive loop
	lastSeq map[uint32]uint32

	mu    sync.RWMutex
	err   error
	stats UDPStats
}

// UDPStats represents network microphone counters
type UDPStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	AudioFrames     uint64 `json:"audio_frames"`
	ParseErrors     uint64 `json:"parse_errors"`
	FramesLost      uint64 `json:"frames_lost"`
	FramesDropped   uint64 `json:"frames_dropped"`
	QueueSize       int    `json:"queue_size"`
	QueueCapacity   int    `json:"queue_capacity"`
}

// NewUDP creates a network microphone source expecting audio at sampleRate
func NewUDP(cfg config.UDPSourceConfig, sampleRate int, logger *slog.Logger, m *metrics.Metrics) *UDP {
	ctx, cancel := context.WithCancel(context.Background())

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &UDP{
		config:     cfg,
		sampleRate: sampleRate,
		logger:     logger.With("component", "udp_source"),
		metrics:    m,
		chunks:     make(chan []float32, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		lastSeq:    make(map[uint32]uint32),
	}
}

// Start begins listening for audio frames
func (u *UDP) Start() (<-chan []float32, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.config.BindAddress, u.config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	u.conn = conn

	if err := u.conn.SetReadBuffer(u.config.BufferSize); err != nil {
		u.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", u.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	u.logger.Info("UDP microphone listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("sample_rate", u.sampleRate),
	)

	u.wg.Add(1)
	go u.receiveLoop()

	return u.chunks, nil
}

// Stop closes the socket and waits for the receive loop to exit
func (u *UDP) Stop() error {
	u.stopOnce.Do(func() {
		u.cancel()

		// Close UDP connection to unblock the receive loop
		if u.conn != nil {
			if err := u.conn.Close(); err != nil {
				u.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		u.wg.Wait()

		stats := u.GetStats()
		u.logger.Info("UDP microphone stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("audio_frames", stats.AudioFrames),
			slog.Uint64("frames_lost", stats.FramesLost),
			slog.Uint64("parse_errors", stats.ParseErrors),
		)
	})
	return nil
}

// Err returns the failure that ended the stream, nil after Stop or an End frame
func (u *UDP) Err() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.err
}

// SampleRate returns the expected sample rate
func (u *UDP) SampleRate() int {
	return u.sampleRate
}

// Addr returns the bound address, nil before Start
func (u *UDP) Addr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// GetStats returns current receive statistics
func (u *UDP) GetStats() UDPStats {
	u.mu.RLock()
	defer u.mu.RUnlock()

	stats := u.stats
	stats.QueueSize = len(u.chunks)
	stats.QueueCapacity = cap(u.chunks)
	return stats
}

// receiveLoop reads and decodes frames until stop, an End frame, or a socket failure
func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	defer close(u.chunks)

	buffer := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		// Set read deadline to check for cancellation periodically
		if err := u.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if u.ctx.Err() != nil {
				return
			}
			u.fail(fmt.Errorf("failed to set read deadline: %w", err))
			return
		}

		n, remoteAddr, err := u.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			if u.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				u.fail(fmt.Errorf("udp socket closed: %w", err))
				return
			}

			u.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		u.mu.Lock()
		u.stats.PacketsReceived++
		u.mu.Unlock()
		u.metrics.RecordPacketReceived()

		if end := u.handlePacket(buffer[:n], remoteAddr); end {
			return
		}
	}
}

// handlePacket decodes one frame and reports whether the stream has ended
func (u *UDP) handlePacket(data []byte, remoteAddr *net.UDPAddr) bool {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		u.mu.Lock()
		u.stats.ParseErrors++
		u.mu.Unlock()
		u.metrics.RecordParseError()

		u.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return false
	}

	switch packet.Header.PacketType {
	case protocol.PacketTypeHello:
		u.handleHello(packet.Header, packet.Hello)
	case protocol.PacketTypeAudio:
		u.handleAudio(packet.Header, packet.Audio)
	case protocol.PacketTypeEnd:
		u.logger.Info("Device ended stream", slog.Uint64("device_id", uint64(packet.Header.DeviceID)))
		return true
	}

	return false
}

func (u *UDP) handleHello(header *protocol.Header, hello *protocol.HelloPayload) {
	delete(u.lastSeq, header.DeviceID)

	u.logger.Info("Device connected",
		slog.Uint64("device_id", uint64(header.DeviceID)),
		slog.String("device_name", hello.GetDeviceName()),
		slog.Int("sample_rate", int(hello.SampleRate)),
	)

	if int(hello.SampleRate) != u.sampleRate {
		u.logger.Warn("Device sample rate differs from capture rate",
			slog.Uint64("device_id", uint64(header.DeviceID)),
			slog.Int("device_rate", int(hello.SampleRate)),
			slog.Int("capture_rate", u.sampleRate),
		)
	}
}

func (u *UDP) handleAudio(header *protocol.Header, payload *protocol.AudioPayload) {
	if last, seen := u.lastSeq[header.DeviceID]; seen {
		lost, accept, resync := sequenceStep(last, payload.Sequence)
		switch {
		case resync:
			u.logger.Info("Sequence jump, resynchronizing",
				slog.Uint64("device_id", uint64(header.DeviceID)),
				slog.Uint64("sequence", uint64(payload.Sequence)),
				slog.Uint64("last_sequence", uint64(last)),
			)
		case !accept:
			u.drop(dropOutOfOrder, 1)
			u.logger.Debug("Out of order frame discarded",
				slog.Uint64("device_id", uint64(header.DeviceID)),
				slog.Uint64("sequence", uint64(payload.Sequence)),
				slog.Uint64("last_sequence", uint64(last)),
			)
			return
		case lost > 0:
			u.mu.Lock()
			u.stats.FramesLost += uint64(lost)
			u.mu.Unlock()
			u.metrics.RecordPacketsDropped(dropSeqGap, lost)
		}
	}
	u.lastSeq[header.DeviceID] = payload.Sequence

	samples, err := audio.PCM16ToFloat(payload.AudioData)
	if err != nil {
		u.drop("invalid_pcm", 1)
		return
	}

	u.mu.Lock()
	u.stats.AudioFrames++
	u.mu.Unlock()

	// Never block the socket on a slow session
	select {
	case u.chunks <- samples:
	default:
		u.drop(dropQueueFull, 1)
		u.logger.Warn("Audio queue full, dropping frame",
			slog.Uint64("device_id", uint64(header.DeviceID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
	}
}

func (u *UDP) drop(reason string, n int) {
	u.mu.Lock()
	u.stats.FramesDropped += uint64(n)
	u.mu.Unlock()
	u.metrics.RecordPacketsDropped(reason, n)
}

func (u *UDP) fail(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	u.logger.Error("UDP microphone failed", slog.String("error", err.Error()))
}

// sequenceStep compares seq with the last accepted sequence using wrapping
// arithmetic. It reports the frames lost in between, whether the frame is
// accepted, and whether tracking restarts at seq.
func sequenceStep(last, seq uint32) (lost int, accept bool, resync bool) {
	delta := int64(int32(seq - last))

	switch {
	case delta > seqResyncDistance || delta < -seqResyncDistance:
		return 0, true, true
	case delta <= 0:
		return 0, false, false
	default:
		return int(delta - 1), true, false
	}
}
