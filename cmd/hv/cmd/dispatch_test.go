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
	"bytes"
	"errors"
	"testing"

	hypervisor "github.com/blacktop/go-ehyve"
)

func ioExit(dir hypervisor.IODirection, port uint16, data ...byte) hypervisor.ExitInfo {
	return hypervisor.ExitInfo{
		Reason: hypervisor.ExitReasonIO,
		Data: hypervisor.ExitIO{
			Direction: dir,
			Size:      uint8(len(data)),
			Port:      port,
			Count:     1,
			Data:      data,
		},
	}
}

func TestDispatcher(t *testing.T) {
	tests := []struct {
		name     string
		exit     hypervisor.ExitInfo
		stop     bool
		wantErr  bool
		serial   string
		shutdown bool
		code     int
	}{
		{
			name:   "serial output",
			exit:   ioExit(hypervisor.IOOut, serialPort, 'H'),
			serial: "H",
		},
		{
			name:     "shutdown port carries the exit code",
			exit:     ioExit(hypervisor.IOOut, shutdownPort, 3),
			stop:     true,
			shutdown: true,
			code:     3,
		},
		{
			name: "halt is a normal stop",
			exit: hypervisor.ExitInfo{Reason: hypervisor.ExitReasonHLT},
			stop: true,
		},
		{
			name: "other uart registers are ignored",
			exit: ioExit(hypervisor.IOOut, serialPort+1, 0xff),
		},
		{
			name:    "unknown port",
			exit:    ioExit(hypervisor.IOOut, 0x80, 0),
			wantErr: true,
		},
		{
			name:    "triple fault",
			exit:    hypervisor.ExitInfo{Reason: hypervisor.ExitReasonShutdown},
			wantErr: true,
		},
		{
			name:    "mmio",
			exit:    hypervisor.ExitInfo{Reason: hypervisor.ExitReasonMMIO, Data: hypervisor.ExitMMIO{PhysAddr: 0xfee00000}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var serial bytes.Buffer
			d := newDispatcher(&serial)

			stop, err := d.HandleExit(nil, tt.exit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleExit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if stop != tt.stop {
				t.Errorf("HandleExit() stop = %v, want %v", stop, tt.stop)
			}
			if serial.String() != tt.serial {
				t.Errorf("serial = %q, want %q", serial.String(), tt.serial)
			}
			code, shutdown := d.ShutdownCode()
			if shutdown != tt.shutdown || code != tt.code {
				t.Errorf("ShutdownCode() = (%d, %v), want (%d, %v)", code, shutdown, tt.code, tt.shutdown)
			}
		})
	}
}

func TestDispatcherLineStatus(t *testing.T) {
	d := newDispatcher(&bytes.Buffer{})
	exit := ioExit(hypervisor.IOIn, serialLSR, 0xaa)
	if _, err := d.HandleExit(nil, exit); err != nil {
		t.Fatalf("HandleExit() error = %v", err)
	}
	if got := exit.Data.(hypervisor.ExitIO).Data[0]; got != lsrTxIdle {
		t.Errorf("line status = %#x, want %#x", got, lsrTxIdle)
	}

	exit = ioExit(hypervisor.IOIn, serialPort, 0xaa)
	if _, err := d.HandleExit(nil, exit); err != nil {
		t.Fatalf("HandleExit() error = %v", err)
	}
	if got := exit.Data.(hypervisor.ExitIO).Data[0]; got != 0 {
		t.Errorf("receive buffer = %#x, want 0", got)
	}
}

func TestDispatcherSerialWriteError(t *testing.T) {
	d := newDispatcher(failingWriter{})
	if _, err := d.HandleExit(nil, ioExit(hypervisor.IOOut, serialPort, 'x')); err == nil {
		t.Error("HandleExit() ignored a serial write error")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestLoadImage(t *testing.T) {
	if err := loadImage(nil, 0x200000, nil); err == nil {
		t.Error("loadImage() accepted an empty image")
	}
}

func TestExitCodeError(t *testing.T) {
	var err error = exitCodeError(5)
	var code exitCodeError
	if !errors.As(err, &code) || int(code) != 5 {
		t.Errorf("errors.As() = %v, %d", err, code)
	}
	if err.Error() != "guest exited with code 5" {
		t.Errorf("Error() = %q", err.Error())
	}
}
