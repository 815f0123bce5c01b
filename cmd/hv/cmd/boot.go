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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exitCodeError carries a guest shutdown code out of RunE.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("guest exited with code %d", int(e)) }

func init() {
	rootCmd.AddCommand(bootCmd)
	addMachineFlags(bootCmd.Flags())
}

var bootCmd = &cobra.Command{
	Use:   "boot <image>",
	Short: "Boot a flat unikernel image in 64-bit long mode",
	Long: `Load a flat binary image at the entry point and run it on every vCPU.

Guest writes to COM1 (0x3f8) are copied to stdout. The guest powers off by
halting or by writing its exit code to port 0xf4.

Configuration is layered: --config TOML file, then EHYVE_MEM and EHYVE_CPUS,
then flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runBoot,
}

func runBoot(cmd *cobra.Command, args []string) error {
	c, mc, err := resolveConfig(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	h, err := hypervisor.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	m, err := hypervisor.NewMachine(h, mc)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	defer m.Close()

	if err := loadImage(m.Memory(), c.Entry, image); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"image": args[0],
		"entry": fmt.Sprintf("0x%x", c.Entry),
		"mem":   c.Mem,
		"cpus":  mc.NumCPUs,
	}).Info("booting guest")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := newDispatcher(os.Stdout)
	if err := m.Run(ctx, c.Entry, d); err != nil {
		if regs, rerr := m.VCPU(0).GetRegs(); rerr == nil && hypervisor.IsFatal(err) {
			logrus.Errorf("vCPU 0 registers:\n%s", regs)
		}
		return err
	}
	if code, ok := d.ShutdownCode(); ok && code != 0 {
		return exitCodeError(code)
	}
	return nil
}

// loadImage copies image into guest memory at gpa.
func loadImage(mem *hypervisor.GuestMemory, gpa uint64, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("image is empty")
	}
	dst, err := mem.Slice(gpa, uint64(len(image)))
	if err != nil {
		return fmt.Errorf("image (%d bytes at 0x%x) does not fit in guest memory: %w", len(image), gpa, err)
	}
	copy(dst, image)
	return nil
}
