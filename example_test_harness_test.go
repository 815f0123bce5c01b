//go:build linux && amd64 && kvm

package hypervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
)

// ExitResult matches the structure in cmd/hv/cmd/execute.go
type ExitResult struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// ExecuteResult matches the structure in cmd/hv/cmd/execute.go
type ExecuteResult struct {
	Regs   Regs              `json:"regs"`
	Sregs  Sregs             `json:"sregs"`
	Exit   ExitResult        `json:"exit"`
	Exits  int               `json:"exits"`
	Serial string            `json:"serial,omitempty"`
	Memory map[string][]byte `json:"memory,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// HypervisorTester runs x86-64 snippets through the hv binary
type HypervisorTester struct {
	hvBinaryPath string
	timeout      time.Duration
}

// NewHypervisorTester creates a new hypervisor tester
func NewHypervisorTester() (*HypervisorTester, error) {
	// Look for hv binary in current directory or PATH
	hvPath := "./hv"
	if _, err := os.Stat(hvPath); os.IsNotExist(err) {
		var err error
		hvPath, err = exec.LookPath("hv")
		if err != nil {
			return nil, err
		}
	}

	return &HypervisorTester{
		hvBinaryPath: hvPath,
		timeout:      5 * time.Second,
	}, nil
}

// ExecuteInstruction executes code and returns the final registers
func (ht *HypervisorTester) ExecuteInstruction(initialState *Regs, code []byte) (*Regs, error) {
	result, err := ht.ExecuteCode(initialState, code)
	if err != nil {
		return nil, err
	}
	return &result.Regs, nil
}

// ExecuteCode executes code and returns the complete result
func (ht *HypervisorTester) ExecuteCode(initialState *Regs, code []byte) (*ExecuteResult, error) {
	args := []string{"execute"}
	if initialState != nil {
		tmpFile, err := os.CreateTemp("", "hvtest_state_*.json")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmpFile.Name())
		defer tmpFile.Close()

		if err := json.NewEncoder(tmpFile).Encode(initialState); err != nil {
			return nil, err
		}
		args = append(args, "--state", tmpFile.Name())
	}

	cmd := exec.Command(ht.hvBinaryPath, args...)
	cmd.Stdin = bytes.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- cmd.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, errors.Join(err, errors.New(stderr.String()))
		}
	case <-time.After(ht.timeout):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, os.ErrDeadlineExceeded
	}

	var result ExecuteResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return &result, nil
}

func newTester(t *testing.T) *HypervisorTester {
	t.Helper()
	// Skip hypervisor tests in CI environments (no nested virtualization support)
	if isCI() {
		t.Skip("Skipping hypervisor tests in CI environment")
	}
	tester, err := NewHypervisorTester()
	if err != nil {
		t.Skip("Hypervisor tester not available (hv binary not found)")
	}
	return tester
}

var (
	// mov rax, 0x42; hlt
	codeMovRAX = []byte{0x48, 0xc7, 0xc0, 0x42, 0x00, 0x00, 0x00, 0xf4}
	// add rax, rbx; hlt
	codeAddRAXRBX = []byte{0x48, 0x01, 0xd8, 0xf4}
)

func TestHypervisorTester(t *testing.T) {
	tester := newTester(t)

	t.Run("MOV RAX, 0x42", func(t *testing.T) {
		finalState, err := tester.ExecuteInstruction(&Regs{RAX: 100, RBX: 200}, codeMovRAX)
		if err != nil {
			t.Fatalf("Failed to execute instruction: %v", err)
		}
		if finalState.RAX != 0x42 {
			t.Errorf("Expected RAX=0x42, got RAX=0x%x", finalState.RAX)
		}
		if finalState.RBX != 200 {
			t.Errorf("Expected RBX=200 (unchanged), got RBX=%d", finalState.RBX)
		}
	})

	t.Run("ADD RAX, RBX", func(t *testing.T) {
		finalState, err := tester.ExecuteInstruction(&Regs{RAX: 10, RBX: 20}, codeAddRAXRBX)
		if err != nil {
			t.Fatalf("Failed to execute instruction: %v", err)
		}
		if finalState.RAX != 30 {
			t.Errorf("Expected RAX=30, got RAX=%d", finalState.RAX)
		}
	})

	t.Run("Full execution result", func(t *testing.T) {
		result, err := tester.ExecuteCode(nil, codeMovRAX)
		if err != nil {
			t.Fatalf("Failed to execute code: %v", err)
		}
		if result.Exit.Reason != ExitReasonHLT.String() {
			t.Errorf("Expected exit reason %s, got %s", ExitReasonHLT, result.Exit.Reason)
		}
		if result.Regs.RIP != 0x200000+uint64(len(codeMovRAX)) {
			t.Errorf("Expected RIP after hlt, got 0x%x", result.Regs.RIP)
		}
		if result.Sregs.EFER&EFERLMA == 0 {
			t.Error("Expected the guest to run in long mode")
		}
		if !bytes.Equal(result.Memory["0x200000"], codeMovRAX) {
			t.Errorf("Expected code in memory dump, got % x", result.Memory["0x200000"])
		}
	})

	t.Run("Serial output", func(t *testing.T) {
		result, err := tester.ExecuteCode(nil, guestHello)
		if err != nil {
			t.Fatalf("Failed to execute code: %v", err)
		}
		if result.Serial != "Hi" {
			t.Errorf("Expected serial output %q, got %q", "Hi", result.Serial)
		}
		if result.Exits != 3 {
			t.Errorf("Expected 3 exits, got %d", result.Exits)
		}
	})
}
