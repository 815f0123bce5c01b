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
	"encoding/json"
	"fmt"
	"io"
	"os"

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/spf13/cobra"
)

// ExitResult describes the last exit handled by execute.
type ExitResult struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// ExecuteResult represents the execution result
type ExecuteResult struct {
	Regs   hypervisor.Regs   `json:"regs"`
	Sregs  hypervisor.Sregs  `json:"sregs"`
	Exit   ExitResult        `json:"exit"`
	Exits  int               `json:"exits"`
	Serial string            `json:"serial,omitempty"`
	Memory map[string][]byte `json:"memory,omitempty"` // hex address -> data
	Error  string            `json:"error,omitempty"`
}

var (
	stateFile string
	maxExits  int
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial general-purpose registers")
	executeCmd.Flags().IntVar(&maxExits, "max-exits", defaultMaxExits, "Stop after this many exits")
	addMachineFlags(executeCmd.Flags())
}

var executeCmd = &cobra.Command{
	Use:   "execute [code-file]",
	Short: "Execute x86-64 code and return CPU state as JSON",
	Long: `Execute x86-64 machine code in long mode on a single vCPU and return the
resulting CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

The code is loaded at the entry point. Initial registers can be provided via
--state pointing to a JSON file; zero values keep the boot state. Execution
stops at HLT, a write to the shutdown port, an unhandled exit or --max-exits.
Results are output as JSON to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	c, mc, err := resolveConfig(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-exits") {
		c.MaxExits = maxExits
	}

	// Read initial state if provided
	var initialState hypervisor.Regs
	if stateFile != "" {
		stateData, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		if err := json.Unmarshal(stateData, &initialState); err != nil {
			return fmt.Errorf("failed to parse state JSON: %w", err)
		}
	}

	var codeData []byte
	if len(args) > 0 {
		codeData, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		codeData, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(codeData) == 0 {
		return fmt.Errorf("no code provided")
	}

	h, err := hypervisor.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	result, err := executeCode(h, mc, c, codeData, &initialState)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}

func executeCode(h *hypervisor.Hypervisor, mc hypervisor.Config, c *config, code []byte, initialState *hypervisor.Regs) (*ExecuteResult, error) {
	mc.NumCPUs = 1
	m, err := hypervisor.NewMachine(h, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	defer m.Close()

	if err := loadImage(m.Memory(), c.Entry, code); err != nil {
		return nil, err
	}

	vcpu := m.VCPU(0)
	if err := vcpu.Init(c.Entry); err != nil {
		return nil, fmt.Errorf("failed to initialize vCPU: %w", err)
	}
	if err := setCPUState(vcpu, initialState); err != nil {
		return nil, fmt.Errorf("failed to set initial state: %w", err)
	}

	var serial bytes.Buffer
	d := newDispatcher(&serial)
	result := &ExecuteResult{}
	for result.Exits < c.MaxExits {
		exit, err := vcpu.RunOnce()
		if err != nil {
			return nil, fmt.Errorf("failed to execute: %w", err)
		}
		result.Exits++
		result.Exit = ExitResult{Reason: exit.Reason.String(), Detail: exit.String()}

		// An exit the dispatcher cannot handle ends execution; it is
		// reported as the last exit rather than as an error.
		if stop, err := d.HandleExit(vcpu, exit); stop || err != nil {
			break
		}
	}

	if result.Regs, err = vcpu.GetRegs(); err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}
	if result.Sregs, err = vcpu.GetSregs(); err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}
	result.Serial = serial.String()

	// Copy the executed memory to avoid marshaling guest memory after unmap
	mem, err := m.Memory().Slice(c.Entry, uint64(len(code)))
	if err != nil {
		return nil, err
	}
	result.Memory = map[string][]byte{fmt.Sprintf("0x%x", c.Entry): bytes.Clone(mem)}
	return result, nil
}

// setCPUState applies the non-zero registers of state on top of the boot
// state.
func setCPUState(vcpu *hypervisor.VCPU, state *hypervisor.Regs) error {
	values := map[hypervisor.Reg]uint64{
		hypervisor.RegRAX:    state.RAX,
		hypervisor.RegRBX:    state.RBX,
		hypervisor.RegRCX:    state.RCX,
		hypervisor.RegRDX:    state.RDX,
		hypervisor.RegRSI:    state.RSI,
		hypervisor.RegRDI:    state.RDI,
		hypervisor.RegRSP:    state.RSP,
		hypervisor.RegRBP:    state.RBP,
		hypervisor.RegR8:     state.R8,
		hypervisor.RegR9:     state.R9,
		hypervisor.RegR10:    state.R10,
		hypervisor.RegR11:    state.R11,
		hypervisor.RegR12:    state.R12,
		hypervisor.RegR13:    state.R13,
		hypervisor.RegR14:    state.R14,
		hypervisor.RegR15:    state.R15,
		hypervisor.RegRIP:    state.RIP,
		hypervisor.RegRFLAGS: state.RFLAGS,
	}

	batch := hypervisor.RegBatch{}
	for reg, val := range values {
		if val != 0 { // Only set non-zero values
			batch[reg] = val
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return vcpu.SetRegBatch(batch)
}
