package protocol

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Send opens one connection to the Recorder at addr, writes payload and
// closes the connection. One connection carries exactly one packet.
func Send(ctx context.Context, addr string, payload []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing recorder %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("writing packet to %s: %w", addr, err)
	}
	return nil
}

// SendFields encodes fields within MaxPacketLen and sends them.
func SendFields(ctx context.Context, addr string, fields map[string]string) error {
	payload, _ := EncodeLimit(fields, MaxPacketLen)
	return Send(ctx, addr, payload)
}

// WaitReady poll-connects to addr every interval until a connection
// succeeds or ctx is done. The probe connection sends nothing.
func WaitReady(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("recorder %s not reachable: %w", addr, ctx.Err())
		case <-time.After(interval):
		}
	}
}
