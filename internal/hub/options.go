package hub

import (
	"context"
	"time"

	"github.com/chaz8081/hublink/internal/ble"
)

// Options configures connection and execution timing. The delays are tuned
// for common radio stacks and may need adjusting per platform.
type Options struct {
	Filter ble.Filter // which hub to connect to; empty matches any

	ScanTimeout       time.Duration // discovery window
	ConnectAttempts   int           // connect attempts before giving up
	GATTTimeout       time.Duration // opening the GATT link
	DeviceInfoTimeout time.Duration // best-effort device information read
	ServiceTimeout    time.Duration // each service setup phase
	SettleDelay       time.Duration // pause after the link opens
	RetryBackoff      time.Duration // pause between connect attempts

	WriteRetries int           // extra attempts per control write
	WriteBackoff time.Duration // multiplied by the attempt number
	WriteTimeout time.Duration // per write attempt
	QueueSize    int           // pending control writes

	ReplSettleDelay  time.Duration // after starting the interactive shell
	LineDelay        time.Duration // between pasted source lines
	StdinChunkDelay  time.Duration // between stdin chunks
	MetaDelay        time.Duration // after clearing the stored program
	StopPollInterval time.Duration // while waiting for a program to stop
	StopTimeout      time.Duration // bound on that wait
}

// DefaultOptions returns the production timing.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:       10 * time.Second,
		ConnectAttempts:   2,
		GATTTimeout:       15 * time.Second,
		DeviceInfoTimeout: 5 * time.Second,
		ServiceTimeout:    10 * time.Second,
		SettleDelay:       500 * time.Millisecond,
		RetryBackoff:      1500 * time.Millisecond,

		WriteRetries: 2,
		WriteBackoff: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		QueueSize:    64,

		ReplSettleDelay:  300 * time.Millisecond,
		LineDelay:        5 * time.Millisecond,
		StdinChunkDelay:  10 * time.Millisecond,
		MetaDelay:        50 * time.Millisecond,
		StopPollInterval: 50 * time.Millisecond,
		StopTimeout:      3 * time.Second,
	}
}

// withDefaults fills unset limits and timeouts. Delays may be zero.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = def.ConnectAttempts
	}
	if o.GATTTimeout <= 0 {
		o.GATTTimeout = def.GATTTimeout
	}
	if o.DeviceInfoTimeout <= 0 {
		o.DeviceInfoTimeout = def.DeviceInfoTimeout
	}
	if o.ServiceTimeout <= 0 {
		o.ServiceTimeout = def.ServiceTimeout
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = def.StopPollInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = def.StopTimeout
	}
	return o
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
