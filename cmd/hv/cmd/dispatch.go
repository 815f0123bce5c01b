/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"sync"

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/sirupsen/logrus"
)

const (
	serialPort   = 0x3f8
	serialLSR    = serialPort + 5
	shutdownPort = 0xf4

	// transmitter holding register and transmitter empty
	lsrTxIdle = 0x60
)

var errGuestShutdown = errors.New("guest triple faulted (KVM_EXIT_SHUTDOWN)")

// dispatcher handles the exits a unikernel needs to print and power off:
// writes to COM1, the QEMU-style shutdown port and HLT. Anything else is an
// error.
type dispatcher struct {
	mu     sync.Mutex
	serial io.Writer

	shutdown bool
	exitCode int
}

func newDispatcher(serial io.Writer) *dispatcher {
	return &dispatcher{serial: serial}
}

func (d *dispatcher) HandleExit(_ *hypervisor.VCPU, exit hypervisor.ExitInfo) (bool, error) {
	switch exit.Reason {
	case hypervisor.ExitReasonIO:
		pio, ok := exit.Data.(hypervisor.ExitIO)
		if !ok {
			return false, fmt.Errorf("malformed io exit: %s", exit)
		}
		return d.handleIO(pio)
	case hypervisor.ExitReasonHLT:
		logrus.Debug("guest halted the CPU")
		return true, nil
	case hypervisor.ExitReasonShutdown:
		return false, errGuestShutdown
	default:
		return false, fmt.Errorf("unhandled exit: %s", exit)
	}
}

func (d *dispatcher) handleIO(pio hypervisor.ExitIO) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case pio.Port == shutdownPort && pio.Direction == hypervisor.IOOut:
		d.shutdown = true
		if len(pio.Data) > 0 {
			d.exitCode = int(pio.Data[0])
		}
		logrus.WithField("code", d.exitCode).Debug("guest requested shutdown")
		return true, nil
	case pio.Port == serialPort && pio.Direction == hypervisor.IOOut:
		if _, err := d.serial.Write(pio.Data); err != nil {
			return false, fmt.Errorf("failed to write serial output: %w", err)
		}
		return false, nil
	case pio.Port >= serialPort && pio.Port < serialPort+8:
		// Remaining UART registers: writes are ignored and reads report an
		// idle transmitter.
		if pio.Direction == hypervisor.IOIn {
			clear(pio.Data)
			if pio.Port == serialLSR && len(pio.Data) > 0 {
				pio.Data[0] = lsrTxIdle
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unhandled io %s at port 0x%x", pio.Direction, pio.Port)
	}
}

// ShutdownCode returns the code the guest wrote to the shutdown port.
func (d *dispatcher) ShutdownCode() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, d.shutdown
}
