package camera

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"

	"customvision/internal/config"
	"customvision/internal/logger"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// UDPSource listens for UDP packets from cameras, reconstructs JPEG frames,
// and keeps the latest complete frame.
type UDPSource struct {
	Mailbox

	port        int
	cameraNames map[string]string
	logger      *logger.Logger
	conn        *net.UDPConn
}

// NewUDPSource creates a source bound to cfg.CamerasPort once Listen is called.
func NewUDPSource(config *config.Config, logger *logger.Logger) *UDPSource {
	return &UDPSource{
		port:        config.CamerasPort,
		cameraNames: config.CameraNames,
		logger:      logger,
	}
}

// Listen opens the UDP socket.
func (s *UDPSource) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Addr returns the local address once listening.
func (s *UDPSource) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Run reads packets until ctx is done.
func (s *UDPSource) Run(ctx context.Context) {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			s.logger.Error("Failed to listen on UDP port %d: %v", s.port, err)
			return
		}
	}
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	s.logger.Info("UDP Camera handler started on %s", s.conn.LocalAddr())
	buffer := make([]byte, 65535)
	cameraBuffers := make(map[string]*bytes.Buffer)

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Error reading UDP packet: %v", err)
			continue
		}

		ip := strings.Split(remoteAddr.String(), ":")[0]
		cameraName, exists := s.cameraNames[ip]
		if !exists {
			cameraName = "unknown_" + ip
		}

		imgBuffer, ok := cameraBuffers[cameraName]
		if !ok {
			imgBuffer = new(bytes.Buffer)
			cameraBuffers[cameraName] = imgBuffer
			s.logger.Info("Receiving frames from camera %s", cameraName)
		}

		if frame := reassemble(imgBuffer, buffer[:n]); frame != nil {
			s.PublishEncoded(frame)
		}
	}
}

// reassemble appends a packet to buf and returns a copy of the frame when the
// packet completes one. A packet starting a new JPEG discards any partial frame.
func reassemble(buf *bytes.Buffer, data []byte) []byte {
	if bytes.HasPrefix(data, jpegHeader) {
		buf.Reset()
	}
	buf.Write(data)

	if !bytes.HasSuffix(data, jpegFooter) {
		return nil
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame
}
